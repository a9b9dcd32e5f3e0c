package throttle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/johanzander/growatt-server-upstream/pkg/log"
)

// Do runs fn if category is not cooling down. The attempt is recorded before
// fn runs, so a crash or failure inside fn still counts toward the cooldown.
// When denied, fn is not called and a *RateLimitedError is returned. Errors
// from fn are returned unchanged.
func Do[T any](ctx context.Context, m *Manager, category string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	d, err := m.Acquire(ctx, category)
	if !d.Allowed {
		log.Ctx(ctx).WarnContext(
			ctx,
			"throttling call, retry once the cooldown expires",
			slog.String("category", category),
			slog.String("retryIn", FormatWait(d.RetryAfter)),
		)
		return zero, &RateLimitedError{Category: category, RetryAfter: d.RetryAfter}
	}
	if err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			return zero, err
		}
		// the attempt is recorded in memory, proceed
		log.Ctx(ctx).WarnContext(ctx, "proceeding without a persisted throttle record", slog.String("category", category))
	}

	log.Ctx(ctx).DebugContext(ctx, "executing throttled call", slog.String("category", category))
	res, err := fn(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "throttled call failed", slog.String("category", category), slog.Any("error", err))
		return zero, err
	}
	return res, nil
}
