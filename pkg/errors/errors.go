// Package errors defines the error taxonomy shared by all gateway components.
//
// Every error carries a stable machine-readable code, the HTTP status it maps
// to, and a recoverability hint. The HTTP surface turns any *Error into the
// uniform response envelope; other errors are treated as internal.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes used on the wire.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeHostForbidden      = "HOST_FORBIDDEN"
	CodeOriginRequired     = "ORIGIN_REQUIRED"
	CodeOriginMismatch     = "ORIGIN_MISMATCH"
	CodeFetchSiteForbidden = "FETCH_SITE_FORBIDDEN"
	CodeNotApproved        = "NOT_APPROVED"
	CodeNotFound           = "NOT_FOUND"
	CodeBusy               = "BUSY"
	CodeExpired            = "EXPIRED"
	CodeUnprocessable      = "UNPROCESSABLE"
	CodeDisabled           = "DISABLED"
	CodeUnavailable        = "UNAVAILABLE"
	CodeNotReady           = "NOT_READY"
	CodeInternal           = "INTERNAL_ERROR"
	CodeRateLimit          = "RATE_LIMIT"
	CodeInvalidCode        = "INVALID_CODE"
	CodeBadResponse        = "BAD_RESPONSE"
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeAdapterConnect     = "ADAPTER_CONNECT_FAILED"
	CodeAdapterTimeout     = "ADAPTER_TIMEOUT"
	CodeAdapterProtocol    = "ADAPTER_PROTOCOL_ERROR"
)

// Error is the typed application error carried across component boundaries.
type Error struct {
	// Code is the stable machine-readable error code.
	Code string

	// Status is the HTTP status this error maps to.
	Status int

	// Message is the human-readable message.
	Message string

	// Recoverable hints whether the caller may retry.
	Recoverable bool

	// Meta carries optional structured detail for the client.
	Meta map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMeta attaches structured detail to the error and returns it.
func (e *Error) WithMeta(meta map[string]any) *Error {
	e.Meta = meta
	return e
}

// New creates an error with an explicit code and status.
func New(code string, status int, message string, recoverable bool, cause error) *Error {
	return &Error{
		Code:        code,
		Status:      status,
		Message:     message,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// NewBadRequest creates a 400 error.
func NewBadRequest(message string, cause error) *Error {
	return New(CodeBadRequest, http.StatusBadRequest, message, true, cause)
}

// NewUnauthorized creates a 401 error.
func NewUnauthorized(message string) *Error {
	return New(CodeUnauthorized, http.StatusUnauthorized, message, true, nil)
}

// NewForbidden creates a 403 error with the given code.
func NewForbidden(code, message string) *Error {
	return New(code, http.StatusForbidden, message, false, nil)
}

// NewNotFound creates a 404 error.
func NewNotFound(message string) *Error {
	return New(CodeNotFound, http.StatusNotFound, message, true, nil)
}

// NewConflict creates a 409 error with the given code.
func NewConflict(code, message string) *Error {
	return New(code, http.StatusConflict, message, true, nil)
}

// NewUnprocessable creates a 422 error.
func NewUnprocessable(message string) *Error {
	return New(CodeUnprocessable, http.StatusUnprocessableEntity, message, true, nil)
}

// NewUnavailable creates a 503 error with the given code.
func NewUnavailable(code, message string) *Error {
	return New(code, http.StatusServiceUnavailable, message, true, nil)
}

// NewInternal creates a 500 error with a specific code suffix.
func NewInternal(code, message string, cause error) *Error {
	return New(code, http.StatusInternalServerError, message, false, cause)
}

// NewRateLimited creates a 429 error.
func NewRateLimited(message string) *Error {
	return New(CodeRateLimit, http.StatusTooManyRequests, message, true, nil)
}

// AsError extracts a typed *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Code returns the stable code for err, or CodeInternal for untyped errors.
func Code(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Status returns the HTTP status for err, or 500 for untyped errors.
func Status(err error) int {
	if e, ok := AsError(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsNotFound checks whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return Code(err) == CodeNotFound
}

// IsUnauthorized checks whether err carries the UNAUTHORIZED code.
func IsUnauthorized(err error) bool {
	return Code(err) == CodeUnauthorized
}

// IsBusy checks whether err carries the BUSY code.
func IsBusy(err error) bool {
	return Code(err) == CodeBusy
}
