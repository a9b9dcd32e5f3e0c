package throttle

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by every RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthRejected means upstream refused the credentials (or the session
	// expired). It is returned by the growatt clients.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrStorageUnavailable means the throttle record could not be persisted.
	// The in-memory state is still updated.
	ErrStorageUnavailable = errors.New("throttle storage unavailable")
)

// RateLimitedError is returned by Do when the category is still cooling down.
// It is recoverable: the caller should retry after RetryAfter.
type RateLimitedError struct {
	Category   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("calls to %s rate limited to prevent account lock-out, retry in %s", e.Category, FormatWait(e.RetryAfter))
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// Outcome classifies the result of a guarded call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeAuthRejected
	OutcomeTransientFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthRejected:
		return "auth_rejected"
	case OutcomeTransientFailure:
		return "transient_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps err onto an Outcome. Anything that is not nil, rate limited or
// an auth rejection is treated as transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrAuthRejected):
		return OutcomeAuthRejected
	default:
		return OutcomeTransientFailure
	}
}
