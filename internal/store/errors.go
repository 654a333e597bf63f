package store

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNotFound is returned by Backend.Get for absent keys. It is a normal
	// outcome and never an InternalError.
	ErrNotFound = errors.New("key not found")

	// ErrAssertValueFailed signals that an optimistic-concurrency
	// precondition did not hold. Callers must retry with fresh state.
	ErrAssertValueFailed = errors.New("transaction failed: hash mismatch")

	// ErrQueryUnsupported is wrapped in an InternalError when a query is
	// sent to a backend that cannot run queries.
	ErrQueryUnsupported = errors.New("backend does not support queries")
)

// InternalError is any backend-level failure: I/O, connectivity, timeouts
// and malformed stored data.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return "internal error: " + e.Message + ": " + e.Cause.Error()
	}
	return "internal error: " + e.Message
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// NewInternalError creates an InternalError without a cause.
func NewInternalError(format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

// Internal wraps err as an InternalError. Nil, ErrNotFound,
// ErrAssertValueFailed and existing InternalErrors pass through unchanged so
// the caller-visible taxonomy is preserved.
func Internal(err error, message string) error {
	if err == nil {
		return nil
	}
	var ie *InternalError
	if errors.As(err, &ie) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAssertValueFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		message += " (timeout)"
	}
	return &InternalError{Message: message, Cause: err}
}

// IsInternal reports whether err is, or wraps, an InternalError.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
