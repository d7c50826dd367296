// Package errors provides the typed errors used across the proxy. The two
// failure surfaces are the identity-provider path (fetching a bearer token)
// and the upstream-forwarding path; each gets its own set of types so callers
// can map failures to response codes without string matching.
package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeNetwork represents transport or connection failures
	ErrTypeNetwork ErrorType = "network"
	// ErrTypeUnauthorized means the identity provider rejected the client credentials
	ErrTypeUnauthorized ErrorType = "unauthorized"
	// ErrTypeMalformedResponse means a token response was missing or unparseable
	ErrTypeMalformedResponse ErrorType = "malformed_response"
	// ErrTypeUpstreamStatus represents a non-success status from the upstream API
	ErrTypeUpstreamStatus ErrorType = "upstream_status"
	// ErrTypeBodyStream represents a failure while relaying a request or response body
	ErrTypeBodyStream ErrorType = "body_stream"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NetworkError creates a new network error
func NetworkError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeNetwork,
		Message: msg,
		Cause:   cause,
	}
}

// UnauthorizedError creates an error for rejected client credentials
func UnauthorizedError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeUnauthorized,
		Message: msg,
	}
}

// MalformedResponseError creates an error for an unparseable token response
func MalformedResponseError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeMalformedResponse,
		Message: msg,
		Cause:   cause,
	}
}

// UpstreamStatusError creates an error for a non-success upstream status
func UpstreamStatusError(status int) *AppError {
	return &AppError{
		Type:    ErrTypeUpstreamStatus,
		Message: fmt.Sprintf("upstream responded with status %d", status),
		Context: map[string]interface{}{"status": status},
	}
}

// BodyStreamError creates an error for a body relay failure
func BodyStreamError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeBodyStream,
		Message: msg,
		Cause:   cause,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}
