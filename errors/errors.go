// Package errors provides error handling for Runicorn.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Mark       = crdb.Mark
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Assertions and panics
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Common sentinel errors for use across Runicorn.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
// The HTTP boundary translates each sentinel to a status code.
var (
	// ErrNotFound indicates the requested run, asset, or session does not exist (404)
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid (400)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict, e.g. a session already running (409)
	ErrConflict = New("resource conflict")

	// ErrRateLimited indicates the caller exceeded its token bucket (429)
	ErrRateLimited = New("rate limited")

	// ErrUnavailable indicates a transient condition: SQLite busy, remote
	// viewer not yet ready. Callers may retry. (503)
	ErrUnavailable = New("temporarily unavailable")

	// ErrHostKeyConfirmation indicates an SSH host key needs explicit operator
	// acceptance before the connection can proceed. (409 with structured detail)
	ErrHostKeyConfirmation = New("host key confirmation required")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsUnavailable checks if an error is or wraps ErrUnavailable
func IsUnavailable(err error) bool {
	return err != nil && Is(err, ErrUnavailable)
}

// NewNotFoundf creates a not-found error with a formatted message
func NewNotFoundf(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestf creates an invalid-request error with a formatted message
func NewInvalidRequestf(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
