package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies an error into the canonical taxonomy shared by every
// provider adapter and the flow/conversation/task layers.
type ErrorCode string

const (
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrRateLimit      ErrorCode = "RATE_LIMIT"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrValidation     ErrorCode = "VALIDATION"
	ErrProvider       ErrorCode = "PROVIDER_ERROR"
	ErrConfiguration  ErrorCode = "CONFIGURATION"
	ErrExecution      ErrorCode = "EXECUTION"
	ErrNotFound       ErrorCode = "NOT_FOUND"
)

// Error is a structured error with code, retry semantics, and provenance.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Cause      error         `json:"-"`
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

// NewAuthenticationError reports missing or rejected credentials. Not retried.
func NewAuthenticationError(message string) *Error {
	return &Error{Code: ErrAuthentication, Message: message}
}

// NewRateLimitError reports a vendor 429. Retryable; retryAfter may be zero.
func NewRateLimitError(message string, retryAfter time.Duration) *Error {
	return &Error{Code: ErrRateLimit, Message: message, Retryable: true, RetryAfter: retryAfter}
}

// NewTimeoutError reports that a request exceeded the adapter timeout. Retryable.
func NewTimeoutError(message string) *Error {
	return &Error{Code: ErrTimeout, Message: message, Retryable: true}
}

// NewValidationError reports a local request or response schema failure. Not retried.
func NewValidationError(message string) *Error {
	return &Error{Code: ErrValidation, Message: message}
}

// NewProviderError reports a vendor-side failure. Retryable iff status >= 500.
func NewProviderError(message string, httpStatus int) *Error {
	return &Error{Code: ErrProvider, Message: message, HTTPStatus: httpStatus, Retryable: httpStatus >= 500}
}

// NewConfigurationError reports a provider requested but not configured.
func NewConfigurationError(message string) *Error {
	return &Error{Code: ErrConfiguration, Message: message}
}

// NewExecutionError reports a violated internal invariant in the flow,
// conversation, or task layers.
func NewExecutionError(message string) *Error {
	return &Error{Code: ErrExecution, Message: message}
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

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks whether an error may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" if untyped.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfterOf returns the retry-after hint attached to the error, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
