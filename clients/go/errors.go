package iotguardgo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrRenewalFailed marks errors produced while exchanging the refresh
	// token for a new access token.
	ErrRenewalFailed = errors.New("access token renewal failed")

	// ErrSessionEnded is the cause of an authentication error returned after
	// the gateway tore the session down. Callers do not need to clear the
	// session themselves.
	ErrSessionEnded = errors.New("session ended")
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork represents transport failures where no response arrived
	ErrorTypeNetwork
	// ErrorTypeAuthentication represents authentication-related errors
	ErrorTypeAuthentication
	// ErrorTypeAPI represents API-specific errors
	ErrorTypeAPI
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeAuthentication:
		return "authentication"
	case ErrorTypeAPI:
		return "api"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error represents a structured error with type information
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType checks if the error is of a specific type
func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// NewError creates a new Error with the specified type and message
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error with the specified type, message, and underlying cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewNetworkError creates a network-related error
func NewNetworkError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeNetwork, message, cause)
}

// NewAuthenticationError creates an authentication-related error
func NewAuthenticationError(message string) *Error {
	return NewError(ErrorTypeAuthentication, message)
}

// NewAPIError creates an API-related error with status code
func NewAPIError(message string, statusCode int) *Error {
	return &Error{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewValidationError creates a validation-related error
func NewValidationError(message string) *Error {
	return NewError(ErrorTypeValidation, message)
}

func isType(err error, errorType ErrorType) bool {
	var yErr *Error
	if errors.As(err, &yErr) {
		return yErr.IsType(errorType)
	}
	return false
}

// IsNetworkError checks if an error is network-related
func IsNetworkError(err error) bool {
	return isType(err, ErrorTypeNetwork)
}

// IsAuthenticationError checks if an error is authentication-related
func IsAuthenticationError(err error) bool {
	return isType(err, ErrorTypeAuthentication)
}

// IsAPIError checks if an error is API-related
func IsAPIError(err error) bool {
	return isType(err, ErrorTypeAPI)
}

// IsValidationError checks if an error is validation-related
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var yErr *Error
	if errors.As(err, &yErr) {
		return yErr.StatusCode
	}
	return 0
}

// WrapHTTPError wraps an HTTP response into an appropriate Error type. The
// server's {"error": "..."} message is appended when present. The body is
// read but not closed.
func WrapHTTPError(resp *http.Response, message string) *Error {
	msg := fmt.Sprintf("%s: %s", message, resp.Status)
	if detail := serverMessage(resp.Body); detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, detail)
	}

	var e *Error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e = NewAuthenticationError(msg)
	case http.StatusBadRequest:
		e = NewValidationError(msg)
	default:
		e = NewAPIError(msg, resp.StatusCode)
	}
	e.StatusCode = resp.StatusCode
	return e
}

func serverMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
