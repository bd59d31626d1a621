// Package errors provides error types and constants for the transport package.
package errors

import (
	"errors"
	"fmt"
)

// Common adapter errors.
var (
	ErrUnsupportedTransport = errors.New("unsupported transport type")
	ErrNotConnected         = errors.New("adapter not connected")
	ErrConnect              = errors.New("adapter connect failed")
	ErrTimeout              = errors.New("adapter timeout")
	ErrProtocol             = errors.New("adapter protocol error")
	ErrClosed               = errors.New("adapter closed")
)

// AdapterError represents an error raised by a transport adapter.
type AdapterError struct {
	// Err is the sentinel identifying the failure class.
	Err error
	// Service is the name of the service the adapter points at.
	Service string
	// Message is an optional error message.
	Message string
}

// Error returns the error message.
func (e *AdapterError) Error() string {
	if e.Message != "" {
		if e.Service != "" {
			return fmt.Sprintf("%s: %s (service: %s)", e.Err, e.Message, e.Service)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}

	if e.Service != "" {
		return fmt.Sprintf("%s (service: %s)", e.Err, e.Service)
	}

	return e.Err.Error()
}

// Unwrap returns the sentinel error.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new adapter error.
func NewAdapterError(err error, service, message string) *AdapterError {
	return &AdapterError{
		Err:     err,
		Service: service,
		Message: message,
	}
}
