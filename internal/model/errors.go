package model

import (
	"errors"
	"fmt"
)

// ValidationError indicates a malformed or incomplete submission
// payload. It is surfaced synchronously; no job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrNotFound is returned by the store for an unknown job identifier.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when cancellation is attempted on a job that
// is already terminal. The record is left unchanged.
var ErrConflict = errors.New("job is already terminal")

// ErrLeaseLost is returned by guarded store updates when the caller no
// longer holds the job's lease (another worker reclaimed it).
var ErrLeaseLost = errors.New("lease no longer held")
