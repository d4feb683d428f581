// Package errs defines the error taxonomy shared by every mcpd component and
// its mapping onto HTTP status codes.
//
// Components declare sentinel errors with New and wrap them with fmt.Errorf's
// %w verb. Callers test either the sentinel itself or its Kind:
//
//	errors.Is(err, task.ErrNotQueued) // exact sentinel
//	errors.Is(err, errs.Conflict)     // any conflict
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error. Kind implements error so it can be the target of errors.Is.
type Kind string

const (
	Validation        Kind = "validation_error"
	CommandNotAllowed Kind = "command_not_allowed"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	RateLimited       Kind = "rate_limited"
	CircuitOpen       Kind = "circuit_open"
	Internal          Kind = "internal_error"
)

func (k Kind) Error() string { return string(k) }

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first classified error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// HTTPStatus maps err onto the status code returned at the HTTP boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case Validation:
		return http.StatusBadRequest
	case CommandNotAllowed:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case CircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
