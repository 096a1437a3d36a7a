package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidInput reports a malformed key or policy. Limiters return it before
// touching any bucket state.
var ErrInvalidInput = errors.New("ratelimit: invalid input")

// ExceededError is a rejection expressed as an error. It is recoverable: the
// caller should back off for RetryAfter.
type ExceededError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

func IsExceeded(err error) bool {
	var ex *ExceededError
	return errors.As(err, &ex)
}
