// Package domain provides the request, event and error types shared by the relay.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a relay failure.
type ErrorType string

const (
	// ErrorTypeAuth indicates the credential exchange failed or the upstream
	// rejected the bearer credential.
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeUpstreamProtocol indicates a non-success HTTP status from the
	// runs or messages endpoints.
	ErrorTypeUpstreamProtocol ErrorType = "upstream_protocol"

	// ErrorTypeTransport indicates a timeout or connection failure.
	ErrorTypeTransport ErrorType = "transport"

	// ErrorTypeParse indicates a malformed stream line or poll response.
	// Parse errors are logged and skipped, never surfaced to clients.
	ErrorTypeParse ErrorType = "parse"

	// ErrorTypeInvalidRequest indicates a malformed client request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
)

// RelayError is the canonical error produced by the relay components.
type RelayError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is safe to show to clients
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, when one was received
	StatusCode int `json:"-"`

	// Err is the underlying cause, kept for logs only
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status the aggregate endpoint should answer with.
func (e *RelayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuth, ErrorTypeUpstreamProtocol, ErrorTypeTransport, ErrorTypeParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithStatusCode records the upstream status code.
func (e *RelayError) WithStatusCode(code int) *RelayError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *RelayError) WithCause(err error) *RelayError {
	e.Err = err
	return e
}

// NewRelayError creates a new relay error.
func NewRelayError(errType ErrorType, message string) *RelayError {
	return &RelayError{
		Type:    errType,
		Message: message,
	}
}

// ErrAuth creates an authentication error.
func ErrAuth(message string) *RelayError {
	return NewRelayError(ErrorTypeAuth, message)
}

// ErrUpstreamProtocol creates an error for a non-success upstream status.
func ErrUpstreamProtocol(status int, message string) *RelayError {
	return NewRelayError(ErrorTypeUpstreamProtocol, message).WithStatusCode(status)
}

// ErrTransport creates a timeout or connection error.
func ErrTransport(message string) *RelayError {
	return NewRelayError(ErrorTypeTransport, message)
}

// ErrParse creates a parse error.
func ErrParse(message string) *RelayError {
	return NewRelayError(ErrorTypeParse, message)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *RelayError {
	return NewRelayError(ErrorTypeInvalidRequest, message)
}

// AsRelayError extracts a *RelayError from err. Errors of any other kind are
// reported as transport errors with a generic message.
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	var rerr *RelayError
	if errors.As(err, &rerr) {
		return rerr
	}
	return ErrTransport("Connection error").WithCause(err)
}

// IsErrorType reports whether err is a *RelayError of the given type.
func IsErrorType(err error, errType ErrorType) bool {
	var rerr *RelayError
	return errors.As(err, &rerr) && rerr.Type == errType
}
