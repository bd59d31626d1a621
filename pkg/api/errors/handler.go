// Package errors provides HTTP error handling utilities for the API.
//
// Every error leaving the API surface is wrapped in the uniform envelope:
//
//	{"success": false, "error": {"message": ..., "code": ..., "recoverable": ...}}
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error. Returning an
// error instead of writing the response directly centralizes envelope
// construction and status mapping.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// envelope is the uniform error response body.
type envelope struct {
	Success bool `json:"success"`
	Error   body `json:"error"`
}

type body struct {
	Message     string         `json:"message"`
	Code        string         `json:"code"`
	Recoverable bool           `json:"recoverable"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ErrorHandler wraps a HandlerWithError and converts returned errors into the
// uniform response envelope. 5xx causes are logged; the client only sees the
// typed message.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		WriteError(w, r, err)
	}
}

// WriteError writes err as the uniform envelope. Untyped errors map to a 500
// INTERNAL_ERROR without leaking the cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	typed, ok := errors.AsError(err)
	if !ok {
		typed = errors.NewInternal(errors.CodeInternal, "internal server error", err)
	}

	if typed.Status >= http.StatusInternalServerError {
		logger.Errorw("request failed",
			"method", r.Method, "path", r.URL.Path, "code", typed.Code, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(typed.Status)
	_ = json.NewEncoder(w).Encode(envelope{
		Error: body{
			Message:     typed.Message,
			Code:        typed.Code,
			Recoverable: typed.Recoverable,
			Meta:        typed.Meta,
		},
	})
}
