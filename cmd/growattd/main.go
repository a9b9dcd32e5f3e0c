package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/johanzander/growatt-server-upstream/pkg/coordinator"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/server"
	"github.com/johanzander/growatt-server-upstream/pkg/setup"
	"github.com/johanzander/growatt-server-upstream/pkg/storage"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	mt := metrics.New()
	tm := throttle.Configured(s, mt)
	registry := coordinator.NewRegistry()
	notifier := setup.NewMemoryNotifier(nil)
	svc := setup.Configured(tm, registry, notifier, mt)

	// init server
	srv := server.Configured(tm, registry, notifier, svc, mt)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// a bad record must not keep us from starting, every category is allowed
	if err := tm.Load(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "starting with an empty throttle state", slog.Any("error", err))
	}

	if err := svc.Start(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start entries", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.Close()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
