package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/johanzander/growatt-server-upstream/pkg/common"
	"github.com/johanzander/growatt-server-upstream/pkg/coordinator"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/metrics"
	"github.com/johanzander/growatt-server-upstream/pkg/setup"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/levenlabs/go-lflag"
)

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// notificationSource lists the notifications currently shown to the user.
type notificationSource interface {
	Active() []setup.Notification
}

// entryUnloader stops the polling of a configured entry.
type entryUnloader interface {
	Unload(ctx context.Context, entryID string) bool
}

// Server exposes the throttle state, notifications and device data over HTTP.
type Server struct {
	throttle      *throttle.Manager
	registry      *coordinator.Registry
	notifications notificationSource
	entries       entryUnloader
	metrics       *metrics.Metrics

	listenAddr string
	httpServer *http.Server

	adminEmails  []string
	oidcVerifier tokenVerifier
	serverName   string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(tm *throttle.Manager, registry *coordinator.Registry, notifications notificationSource, entries entryUnloader, mt *metrics.Metrics) *Server {
	srv := &Server{
		throttle:      tm,
		registry:      registry,
		notifications: notifications,
		entries:       entries,
		metrics:       mt,
		serverName:    "growattd/" + common.Version(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change device settings")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate ID tokens against; empty disables auth")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "issuer of the ID tokens")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/throttle", s.handleThrottle)
	apiMux.HandleFunc("GET /api/notifications", s.handleNotifications)
	apiMux.HandleFunc("GET /api/devices", s.handleListDevices)
	apiMux.HandleFunc("DELETE /api/entries/{entryID}", s.handleUnloadEntry)

	const device = "/api/entries/{entryID}/devices/{id}"
	apiMux.HandleFunc("GET "+device, s.handleGetDevice)
	apiMux.HandleFunc("GET "+device+"/segments", s.handleGetSegments)
	apiMux.HandleFunc("POST "+device+"/segments", s.handleUpdateSegment)
	apiMux.HandleFunc("GET "+device+"/ac-charge", s.handleGetACCharge)
	apiMux.HandleFunc("POST "+device+"/ac-charge", s.handleUpdateACCharge)
	apiMux.HandleFunc("GET "+device+"/ac-discharge", s.handleGetACDischarge)
	apiMux.HandleFunc("POST "+device+"/ac-discharge", s.handleUpdateACDischarge)
	apiMux.HandleFunc("GET "+device+"/parameters", s.handleGetParameters)
	apiMux.HandleFunc("POST "+device+"/parameters/{name}", s.handleUpdateParameter)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metrics.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
