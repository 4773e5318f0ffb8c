// Package types holds the domain records shared by the coordinator engines
// together with the error taxonomy their operations surface.
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an operation failure. The kind decides whether a
// caller may retry and how outer surfaces map the failure.
type ErrorKind string

const (
	// KindValidation marks shape-wrong, bounds-wrong, stale or duplicate input.
	KindValidation ErrorKind = "validation"
	// KindPrecondition marks an entity in the wrong state, a missing
	// permission or an exceeded quota.
	KindPrecondition ErrorKind = "precondition"
	// KindTransient marks failures that may succeed on a later attempt.
	KindTransient ErrorKind = "transient"
	// KindIntegrity marks checksum, signature or fraud failures.
	KindIntegrity ErrorKind = "integrity"
	// KindFatal marks failures that abort startup.
	KindFatal ErrorKind = "fatal"
)

// Error is the typed error that crosses component boundaries.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed operation may be retried as-is.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ValidationErrorf returns a validation-kind error.
func ValidationErrorf(format string, args ...interface{}) error {
	return newError(KindValidation, format, args...)
}

// PreconditionErrorf returns a precondition-kind error.
func PreconditionErrorf(format string, args ...interface{}) error {
	return newError(KindPrecondition, format, args...)
}

// TransientErrorf returns a transient-kind error.
func TransientErrorf(format string, args ...interface{}) error {
	return newError(KindTransient, format, args...)
}

// IntegrityErrorf returns an integrity-kind error.
func IntegrityErrorf(format string, args ...interface{}) error {
	return newError(KindIntegrity, format, args...)
}

// FatalErrorf returns a fatal-kind error.
func FatalErrorf(format string, args ...interface{}) error {
	return newError(KindFatal, format, args...)
}

// KindOf returns the taxonomy kind carried by err, or an empty kind when err
// carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsPrecondition reports whether err is a precondition failure.
func IsPrecondition(err error) bool {
	return KindOf(err) == KindPrecondition
}

// IsRetryable reports whether err is transient and the operation may be
// retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsIntegrity reports whether err is an integrity failure.
func IsIntegrity(err error) bool {
	return KindOf(err) == KindIntegrity
}

// Sentinels shared across engines.
var (
	// ErrDuplicate is returned when a write collides with an existing record
	// that must stay unchanged.
	ErrDuplicate = &Error{Kind: KindValidation, Err: errors.New("duplicate record")}
	// ErrNotFound is returned by operations that require a record to exist.
	ErrNotFound = &Error{Kind: KindPrecondition, Err: errors.New("record not found")}
	// ErrStoreUnavailable is returned when the store cannot serve the call.
	ErrStoreUnavailable = &Error{Kind: KindTransient, Err: errors.New("store unavailable")}
)
