package contracts

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an artifact, control, or packet does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed input, naming the offending field.
// Inputs that fail validation are rejected synchronously and never partially
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: field %q: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a concurrent content mutation that invalidated an
// in-flight operation, e.g. an artifact re-synced while a packet was being
// assembled. Callers retry a bounded number of times before surfacing it.
type ConflictError struct {
	ArtifactID string
	Frozen     string
	Live       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: artifact %s content hash changed (frozen %s, live %s)", e.ArtifactID, e.Frozen, e.Live)
}

// ExternalUnavailableError reports a connector or scorer failure. Scorer
// failures degrade to "no suggestion"; connector failures mark the sync job
// failed and are retried with backoff.
type ExternalUnavailableError struct {
	System    string
	Retryable bool
	Err       error
}

func (e *ExternalUnavailableError) Error() string {
	return fmt.Sprintf("external system %s unavailable: %v", e.System, e.Err)
}

func (e *ExternalUnavailableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable external failure.
func IsRetryable(err error) bool {
	var ext *ExternalUnavailableError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
