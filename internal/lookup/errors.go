package lookup

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery reports a malformed domain, record type or IP address.
var ErrInvalidQuery = errors.New("invalid query")

// UpstreamError is returned when an upstream service is unreachable, answers
// with a non-2xx status or sends a body that cannot be decoded.
type UpstreamError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "upstream error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s upstream failed: status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s upstream failed: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
