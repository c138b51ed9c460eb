// Package apperrors defines the stable error kinds surfaced by the HTTP
// layer and the mapping rules applied at the orchestrator boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error category name carried on the wire as error_type.
type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindValidation         Kind = "validation"
	KindResourceNotFound   Kind = "resource_not_found"
	KindResourceConflict   Kind = "resource_conflict"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindExecutionFailed    Kind = "execution_failed"
	KindTimeout            Kind = "timeout"
	KindRateLimited        Kind = "rate_limited"
	KindInternal           Kind = "internal_server"
	KindServiceUnavailable Kind = "service_unavailable"
	KindExternalService    Kind = "external_service"
)

// FieldError pins an error to one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is the typed error carried from services up to the HTTP layer.
type Error struct {
	Kind      Kind         `json:"error_type"`
	Message   string       `json:"error"`
	Details   []FieldError `json:"details,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the kind to its HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindResourceNotFound:
		return http.StatusNotFound
	case KindResourceConflict:
		return http.StatusConflict
	case KindResourceExhausted, KindRateLimited:
		return http.StatusTooManyRequests
	case KindExecutionFailed:
		return http.StatusUnprocessableEntity
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a 400 error, optionally pinned to a field.
func Validation(msg, field string) *Error {
	e := &Error{Kind: KindValidation, Message: msg}
	if field != "" {
		e.Details = []FieldError{{Field: field, Message: msg, Code: "invalid"}}
	}
	return e
}

// NotFound builds a 404 error for the named resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindResourceNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// Timeout builds a 408 error.
func Timeout(msg string) *Error {
	return &Error{Kind: KindTimeout, Message: msg}
}

// ExecutionFailed builds a 422 error.
func ExecutionFailed(msg string, cause error) *Error {
	return &Error{Kind: KindExecutionFailed, Message: msg, cause: cause}
}

// ServiceUnavailable builds a 503 error naming the failing service.
func ServiceUnavailable(service string, cause error) *Error {
	msg := service + " unavailable"
	if cause != nil {
		msg = fmt.Sprintf("%s unavailable: %v", service, cause)
	}
	return &Error{Kind: KindServiceUnavailable, Message: msg, cause: cause}
}

// Internal builds a 500 error.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, cause: cause}
}

// From normalizes an arbitrary error into an *Error. Typed errors pass
// through untouched; everything else becomes service_unavailable, which is
// the orchestrator's contract for unresolvable failures.
func From(err error, service string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return ServiceUnavailable(service, err)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}
