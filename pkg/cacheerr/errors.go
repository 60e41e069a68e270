// Package cacheerr defines the error taxonomy of the cache.
//
// No error is fatal to the cache itself. Every failure path leaves the
// entity store and collection cache in their previous, fully consistent
// state; the error only tells the caller what happened.
package cacheerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeTransport is a network or timeout failure. The core never retries
	// it; callers may.
	CodeTransport Code = "TRANSPORT"

	// CodeValidation is a malformed payload, for example one without an id.
	// The write is rejected and previous cache state is kept.
	CodeValidation Code = "VALIDATION"

	// CodeConflictDiscard marks a response that belongs to a superseded fetch
	// generation. It is dropped silently and never shown to users.
	CodeConflictDiscard Code = "CONFLICT_DISCARD"

	// CodeRollback means an optimistic mutation's remote call failed and the
	// value was reverted. Delivered once, never retried.
	CodeRollback Code = "ROLLBACK"

	// CodeNotFound means the requested entity is neither cached nor remote.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is the cache error type.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable context for logs
	Cause   error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrTransport       = New(CodeTransport, "transport failure")
	ErrValidation      = New(CodeValidation, "invalid payload")
	ErrConflictDiscard = New(CodeConflictDiscard, "stale response discarded")
	ErrRollback        = New(CodeRollback, "optimistic mutation rolled back")
	ErrNotFound        = New(CodeNotFound, "not found")
)

// Transport wraps a transport failure. An error that already carries a
// cache code is returned unchanged.
func Transport(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return Wrap(CodeTransport, op, cause)
}

// Validation returns a validation error with a formatted message.
func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Rollback wraps the cause of a reverted optimistic mutation.
func Rollback(message string, cause error) *Error {
	return Wrap(CodeRollback, message, cause)
}

// ConflictDiscard reports a response dropped because a newer generation
// superseded it.
func ConflictDiscard(key string, generation, current uint64) *Error {
	return Newf(CodeConflictDiscard, "discard %s generation %d (current %d)", key, generation, current)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflictDiscard reports whether err is a discarded stale response.
func IsConflictDiscard(err error) bool { return errors.Is(err, ErrConflictDiscard) }

// IsRollback reports whether err is a reverted optimistic mutation.
func IsRollback(err error) bool { return errors.Is(err, ErrRollback) }

// IsNotFound reports whether err is a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
