package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Policy admits at most Limit requests within any trailing Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidInput, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidInput, p.Window)
	}
	return nil
}

type Decision struct {
	Allowed    bool
	Limit      int           // admissions allowed per window
	Remaining  int           // slots left in the window after this decision (min 0)
	RetryAfter time.Duration // zero when allowed; the policy window when rejected
	ResetAt    time.Time     // when the oldest counted admission leaves the window
}

// Err converts a rejection into an *ExceededError for callers that prefer
// error-shaped control flow. It returns nil for admitted decisions.
func (d Decision) Err(key string) error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Key: key, RetryAfter: d.RetryAfter}
}

// Limiter decides admission for a bucket key under a sliding-window policy.
// Allow must be linearized per key: the prune, count and append steps of two
// calls on the same key never interleave.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}
