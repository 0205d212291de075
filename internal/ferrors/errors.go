// Package ferrors defines the typed error taxonomy shared by every
// component so the gateway can map failures to HTTP statuses without each
// caller re-deriving what kind of failure it hit.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the gateway's error-mapping table does.
type Kind string

const (
	Validation      Kind = "validation"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	RateLimited     Kind = "rate_limited"
	Timeout         Kind = "timeout"
	Unavailable     Kind = "unavailable"
	Upstream        Kind = "upstream"
	Internal        Kind = "internal"
)

// Error is a typed, wrappable error carrying a Kind for status mapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target has the same Kind, so callers can write
// errors.Is(err, ferrors.ErrNotFound) against the sentinels below.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err isn't
// (or doesn't wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// sentinels usable with errors.Is(err, ferrors.ErrNotFound) etc.
var (
	ErrValidation      = &Error{Kind: Validation, Message: "validation"}
	ErrNotFound        = &Error{Kind: NotFound, Message: "not found"}
	ErrConflict        = &Error{Kind: Conflict, Message: "conflict"}
	ErrUnauthenticated = &Error{Kind: Unauthenticated, Message: "unauthenticated"}
	ErrForbidden       = &Error{Kind: Forbidden, Message: "forbidden"}
	ErrRateLimited     = &Error{Kind: RateLimited, Message: "rate limited"}
	ErrTimeout         = &Error{Kind: Timeout, Message: "timeout"}
	ErrUnavailable     = &Error{Kind: Unavailable, Message: "unavailable"}
	ErrUpstream        = &Error{Kind: Upstream, Message: "upstream error"}
	ErrInternal        = &Error{Kind: Internal, Message: "internal error"}
)
