package integration

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for matching with errors.Is. The concrete error types below
// carry the per-integration detail.
var (
	ErrNotFound    = errors.New("integration not found")
	ErrDisabled    = errors.New("integration disabled")
	ErrCircuitOpen = errors.New("circuit open")
	ErrRateLimited = errors.New("rate limited")
)

// NotFoundError is returned when no integration is registered under a name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("integration %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DisabledError is returned when the integration exists but is disabled.
type DisabledError struct {
	Name string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("integration %q is disabled", e.Name)
}

func (e *DisabledError) Is(target error) bool { return target == ErrDisabled }

// CircuitOpenError is returned when the breaker rejects a call before any
// network attempt. RetryAfter is the remaining cooldown, zero when the
// rejection was caused by a half-open trial already being in flight.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("integration %q circuit open, retry after %s", e.Name, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RateLimitedError is returned when the rolling window is exhausted.
type RateLimitedError struct {
	Name    string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("integration %q rate limited until %s", e.Name, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RequestError wraps a transport-level failure (connection refused, reset,
// timeout). It counts toward the integration's breaker.
type RequestError struct {
	Name    string
	Err     error
	Timeout bool
}

func (e *RequestError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("integration %q request timed out: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("integration %q request failed: %v", e.Name, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// StatusError is returned when the target responded outside the 2xx range.
// It carries the response so callers can distinguish, for example, a 404
// existence-check miss from a 500. It counts toward the breaker.
type StatusError struct {
	Name       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("integration %q returned status %d", e.Name, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
