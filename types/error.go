package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the dispatch core.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION_FAILED"
	ErrPermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrUnknownFunction    ErrorCode = "UNKNOWN_FUNCTION"
	ErrNoMinionsMatched   ErrorCode = "NO_MINIONS_MATCHED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Dispatch error codes
const (
	ErrTransport ErrorCode = "TRANSPORT_ERROR"
	ErrTimedOut  ErrorCode = "TIMED_OUT"
	ErrStorage   ErrorCode = "STORAGE_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// --- 常用错误构造 ---

// NewAuthenticationError never says whether the user or the secret was wrong.
func NewAuthenticationError() *Error {
	return NewError(ErrAuthentication, "authentication failed").
		WithHTTPStatus(http.StatusUnauthorized)
}

// NewPermissionDeniedError creates a PERMISSION_DENIED error for fun.
func NewPermissionDeniedError(fun string) *Error {
	return NewError(ErrPermissionDenied, fmt.Sprintf("not authorized to run %q", fun)).
		WithHTTPStatus(http.StatusForbidden)
}

// NewUnknownFunctionError creates an UNKNOWN_FUNCTION error.
func NewUnknownFunctionError(fun string) *Error {
	return NewError(ErrUnknownFunction, fmt.Sprintf("function %q is not available", fun)).
		WithHTTPStatus(http.StatusNotFound)
}

// NewTransportError creates a retryable TRANSPORT_ERROR.
func NewTransportError(message string, cause error) *Error {
	return NewError(ErrTransport, message).
		WithCause(cause).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

// NewStorageError creates a STORAGE_ERROR.
func NewStorageError(message string, cause error) *Error {
	return NewError(ErrStorage, message).
		WithCause(cause).
		WithHTTPStatus(http.StatusInternalServerError)
}

// NewInvalidRequestError creates an INVALID_REQUEST error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(http.StatusBadRequest)
}
