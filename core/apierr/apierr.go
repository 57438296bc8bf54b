// Package apierr defines the typed error taxonomy shared by the dispatch
// path. Callers branch on Kind (or errors.As) rather than message strings,
// so retryable and terminal failures stay distinguishable across package
// boundaries.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindResolution         Kind = "resolution"
	KindValidation         Kind = "validation"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendExecution   Kind = "backend_execution"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Error is a classified gateway error with an HTTP status mapping and
// optional remediation guidance surfaced to the caller.
type Error struct {
	Kind        Kind
	Status      int
	Message     string
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Remediation != "" {
		return msg + "; " + e.Remediation
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for the error, defaulting by kind.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindResolution, KindValidation:
		return http.StatusBadRequest
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendExecution:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may usefully retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindBackendUnavailable || e.Kind == KindTimeout
}

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Authentication builds a 401 authentication error.
func Authentication(format string, args ...any) *Error {
	return newError(KindAuthentication, http.StatusUnauthorized, format, args...)
}

// Authorization builds a 403 authorization error.
func Authorization(format string, args ...any) *Error {
	return newError(KindAuthorization, http.StatusForbidden, format, args...)
}

// Resolution builds an unknown cluster/framework/model/endpoint error.
func Resolution(format string, args ...any) *Error {
	return newError(KindResolution, http.StatusBadRequest, format, args...)
}

// Validation builds a malformed-payload error.
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, http.StatusBadRequest, format, args...)
}

// BackendUnavailable builds an offline/cold/zero-workers error.
func BackendUnavailable(format string, args ...any) *Error {
	return newError(KindBackendUnavailable, http.StatusServiceUnavailable, format, args...)
}

// BackendExecution wraps a remote task failure.
func BackendExecution(err error, format string, args ...any) *Error {
	e := newError(KindBackendExecution, http.StatusBadGateway, format, args...)
	e.Err = err
	return e
}

// Timeout builds a bounded-wait-exceeded error.
func Timeout(format string, args ...any) *Error {
	return newError(KindTimeout, http.StatusRequestTimeout, format, args...)
}

// Internal wraps persistence/cache failures and unexpected errors.
func Internal(err error, format string, args ...any) *Error {
	e := newError(KindInternal, http.StatusInternalServerError, format, args...)
	e.Err = err
	return e
}

// KindOf extracts the Kind from an error chain; unclassified errors report
// KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// StatusOf extracts the HTTP status from an error chain, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.HTTPStatus()
	}
	return http.StatusInternalServerError
}
