package datasync

import (
	"errors"
	"fmt"
)

// Sentinel errors for matching with errors.Is.
var (
	// ErrNotFound is returned by store lookups for unknown ids.
	ErrNotFound = errors.New("datasync: not found")
	// ErrQueueFull is returned when the bounded event queue cannot accept
	// another event. The caller should back off and retry.
	ErrQueueFull = errors.New("datasync: queue full")
	// ErrEngineStopped is returned when events are published before Start or
	// after Stop.
	ErrEngineStopped = errors.New("datasync: engine not running")
	// ErrNotCancellable is returned when cancellation is requested for an
	// event that already left the PENDING state.
	ErrNotCancellable = errors.New("datasync: event is not pending")
	// ErrAlreadyResolved is returned when manual resolution is requested for
	// a conflict that is already resolved.
	ErrAlreadyResolved = errors.New("datasync: conflict already resolved")
)

// ValidationError rejects an event before it is queued, logged, or cached.
// Field points at the offending part of the event, using dotted paths for
// payload fields (for example "payload.last_name").
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sync event: %s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError carries a detected conflict through the pipeline's error
// path. The record is already persisted with resolution PENDING when the
// error surfaces; it never aborts the rest of the event's targets.
type ConflictError struct {
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	c := e.Conflict
	return fmt.Sprintf("sync conflict on %q: %s %s %s", c.Target, c.EntityType, c.EntityID, c.Kind)
}
