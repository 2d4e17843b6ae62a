package domain

import (
	"fmt"
	"time"
)

// ValidationError reports a missing or malformed required field. It is
// returned before any I/O and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

// VersionConflictError reports an optimistic-concurrency violation: an
// event already exists at the target (aggregate, version) slot. The
// existing record is never overwritten.
type VersionConflictError struct {
	AggregateID   string
	AggregateType string
	Version       int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: %s/%s already has an event at version %d",
		e.AggregateType, e.AggregateID, e.Version)
}

// SizeLimitError reports a payload exceeding the configured maximum
// serialized size.
type SizeLimitError struct {
	Size  int
	Limit int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("event data is %d bytes, exceeds limit of %d", e.Size, e.Limit)
}

// HandlerTimeoutError reports a handler execution that outran its hard
// timeout.
type HandlerTimeoutError struct {
	Handler string
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %q timed out after %s", e.Handler, e.Timeout)
}

// CircuitOpenError reports a call rejected by an open circuit breaker
// without invoking the handler.
type CircuitOpenError struct {
	Handler string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for handler %q", e.Handler)
}

// MaxRetriesError is terminal: the configured attempt budget is exhausted.
// Last carries the error from the final attempt.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// ConcurrencyLimitError reports a dispatch rejected because it would
// exceed the configured concurrency ceiling. Rejected, not queued.
type ConcurrencyLimitError struct {
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit of %d dispatches reached", e.Limit)
}

// ProjectionValidationError aborts a projection run whose folded state
// failed the handler's validation check.
type ProjectionValidationError struct {
	Projection string
	Version    int64
}

func (e *ProjectionValidationError) Error() string {
	return fmt.Sprintf("projection %q reached an invalid state at event version %d",
		e.Projection, e.Version)
}
