// Package workererr defines the worker's closed set of error kinds and
// the single place that maps each kind to an HTTP status code. No
// handler invents its own status; every error that reaches the
// request boundary in pkg/worker is (or is wrapped into) a *Error from
// this package.
package workererr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the closed tagged variant of everything that can go wrong.
type Kind string

const (
	BadRequest         Kind = "bad_request"
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	Conflict           Kind = "conflict"
	PayloadTooLarge    Kind = "payload_too_large"
	Timeout            Kind = "timeout"
	ServiceUnavailable Kind = "service_unavailable"
	BadGateway         Kind = "bad_gateway"
	ProcessingFailed   Kind = "processing_failed"
	Internal           Kind = "internal"
)

// HTTPStatus is the single table mapping a Kind to a status code.
func HTTPStatus(k Kind) int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case Timeout:
		return http.StatusRequestTimeout
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case BadGateway:
		return http.StatusBadGateway
	case ProcessingFailed:
		return http.StatusUnprocessableEntity
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a tagged-variant worker error: a Kind plus a causal chain
// preserved via github.com/pkg/errors so the originating stack trace
// survives across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error whose cause is a fresh github.com/pkg/errors
// error carrying message and the call-site stack trace.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.New(message)}
}

// Wrap attaches a Kind and message to an existing error, preserving it
// as the cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// As extracts a *Error from err if present in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something in its chain) is
// a *Error, otherwise Internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}
