package medication

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input shape or an invariant violation. Never
// retried; surfaced straight to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing command or event.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConflictError reports a lost concurrent race or an illegal state
// transition.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// TransientError wraps an infrastructure hiccup that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps an error that exhausted retries or signals corruption.
// Logged with full operation context for manual replay.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Class buckets an error for retry/propagation decisions.
type Class int

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassNotFound
	ClassConflict
	ClassTransient
	ClassFatal
)

// Classify walks the error chain and returns its class. Unknown errors are
// treated as fatal by the coordinator: retrying an unclassified failure is
// how duplicate writes happen.
func Classify(err error) Class {
	var v *ValidationError
	var nf *NotFoundError
	var c *ConflictError
	var tr *TransientError
	var f *FatalError
	switch {
	// Fatal wins over whatever it wraps: a transient that exhausted its
	// retries must not read as retryable again.
	case errors.As(err, &f):
		return ClassFatal
	case errors.As(err, &v):
		return ClassValidation
	case errors.As(err, &nf):
		return ClassNotFound
	case errors.As(err, &c):
		return ClassConflict
	case errors.As(err, &tr):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// Retryable reports whether the coordinator may re-run the failed unit.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
