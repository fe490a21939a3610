package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass partitions pipeline failures by how the worker should react.
type ErrorClass string

// Error classes, from fail-fast to escalate.
const (
	ClassConfiguration ErrorClass = "configuration"
	ClassTransient     ErrorClass = "transient"
	ClassPermanent     ErrorClass = "permanent"
	ClassValidation    ErrorClass = "validation"
	ClassInternal      ErrorClass = "internal"
)

// Sentinel errors returned by stores.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleTransition indicates a status update was rejected because it
	// would regress a terminal or more advanced status.
	ErrStaleTransition = errors.New("stale status transition")
	// ErrActiveJobExists indicates a source already has a non-terminal job of
	// the requested type.
	ErrActiveJobExists = errors.New("active job of this type already exists")
)

// Error wraps a cause with its class and the failing operation. The
// orchestrator is the only place that translates these into status
// transitions; everything below returns them as values.
type Error struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Configuration marks bad input that must fail fast and never retry.
func Configuration(op string, err error) error {
	return &Error{Class: ClassConfiguration, Op: op, Err: err}
}

// Transient marks an external failure worth retrying with backoff.
func Transient(op string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Permanent marks an external rejection that retrying cannot fix.
func Permanent(op string, err error) error {
	return &Error{Class: ClassPermanent, Op: op, Err: err}
}

// Validation marks a content invariant violation, logged per document.
func Validation(op string, err error) error {
	return &Error{Class: ClassValidation, Op: op, Err: err}
}

// Internal marks an unexpected defect escalated for operator visibility.
func Internal(op string, err error) error {
	return &Error{Class: ClassInternal, Op: op, Err: err}
}

// Classify extracts the error class, treating unclassified network timeouts
// as transient and everything else unknown as internal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassInternal
}

// Retryable reports whether the worker should re-enqueue after this error.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// Cause renders the short human-readable failure string surfaced to users.
// Internal context stays in logs.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		if ie.Err != nil {
			return fmt.Sprintf("%s: %v", classLabel(ie.Class), ie.Err)
		}
		return classLabel(ie.Class)
	}
	return err.Error()
}

func classLabel(class ErrorClass) string {
	switch class {
	case ClassConfiguration:
		return "ConfigurationError"
	case ClassTransient:
		return "TransientExternalError"
	case ClassPermanent:
		return "PermanentExternalError"
	case ClassValidation:
		return "ContentValidationError"
	default:
		return "InternalError"
	}
}
