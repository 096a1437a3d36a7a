// Package apierr writes the JSON error envelope shared by every handler and
// middleware, and maps domain errors to HTTP status codes.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/toolgate/internal/cache"
	"github.com/AlexKimmel/toolgate/internal/lookup"
	"github.com/AlexKimmel/toolgate/internal/ratelimit"
)

const RequestIDHeader = "X-Request-ID"

type Response struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Write sends an error envelope. The request ID is taken from the response
// header set by the request ID middleware.
func Write(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := Response{Error: Detail{
		Code:      code,
		Message:   msg,
		Details:   details,
		RequestID: w.Header().Get(RequestIDHeader),
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RateLimited answers 429 with a Retry-After hint in whole seconds.
func RateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := RetryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	Write(w, http.StatusTooManyRequests, "rate_limited", "Too many requests",
		map[string]any{"retry_after": secs})
}

// RetryAfterSeconds rounds d up to whole seconds, at least 1.
func RetryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

// WriteError maps err to a status and writes the envelope.
func WriteError(w http.ResponseWriter, err error) {
	var ex *ratelimit.ExceededError
	if errors.As(err, &ex) {
		RateLimited(w, ex.RetryAfter)
		return
	}
	status, code, msg := Classify(err)
	Write(w, status, code, msg, nil)
}

// StatusClientClosedRequest is the non-standard status logged when the caller
// went away before the response was ready.
const StatusClientClosedRequest = 499

// Classify returns the HTTP status, error code and client-facing message for
// err. Unknown errors are reported as 500 without leaking their text.
func Classify(err error) (int, string, string) {
	var upErr *lookup.UpstreamError
	var ex *ratelimit.ExceededError

	switch {
	case err == nil:
		return http.StatusOK, "", ""
	case errors.As(err, &ex):
		return http.StatusTooManyRequests, "rate_limited", "Too many requests"
	case errors.Is(err, lookup.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid_query", err.Error()
	case errors.Is(err, ratelimit.ErrInvalidInput), errors.Is(err, cache.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "request_canceled", "request was canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time"
	case errors.As(err, &upErr):
		return http.StatusBadGateway, "upstream_error", upErr.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}
