// Package apierr defines the domain error taxonomy shared by the core
// services and the HTTP layer. Errors carry a kind, a short human
// message, and optional structured details.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers. Kinds, not concrete types, are
// the contract.
type Kind string

const (
	BadRequest      Kind = "BadRequest"
	Unauthorized    Kind = "Unauthorized"
	NotFound        Kind = "NotFound"
	Conflict        Kind = "Conflict"
	ValidationError Kind = "ValidationError"
	Internal        Kind = "Internal"
)

// Error is a kinded domain error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain; unknown errors are
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// StatusCode maps a kind to its HTTP status.
func StatusCode(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case ValidationError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
