package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Request and transport error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Admission error codes. Transient codes are safe to retry with
// backoff; the remaining ones are fatal to the execution.
const (
	ErrAdmissionRejected     ErrorCode = "ADMISSION_REJECTED"
	ErrBreakerOpen           ErrorCode = "BREAKER_OPEN"
	ErrConcurrencyLimit      ErrorCode = "CONCURRENCY_LIMIT"
	ErrSpawnLimit            ErrorCode = "SPAWN_LIMIT"
	ErrRoleAdmitting         ErrorCode = "ROLE_ADMITTING"
	ErrExecutionTimeExceeded ErrorCode = "EXECUTION_TIME_EXCEEDED"
	ErrExecutionStopped      ErrorCode = "EXECUTION_STOPPED"
)

// Swarm error codes
const (
	ErrExecutorFailure      ErrorCode = "EXECUTOR_FAILURE"
	ErrInvalidHandoffTarget ErrorCode = "INVALID_HANDOFF_TARGET"
	ErrHandoffLimit         ErrorCode = "HANDOFF_LIMIT"
	ErrRepetitionDetected   ErrorCode = "REPETITION_DETECTED"
	ErrResourceViolation    ErrorCode = "RESOURCE_VIOLATION"
	ErrAgentRuntimeExceeded ErrorCode = "AGENT_RUNTIME_EXCEEDED"
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

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatalAdmission reports whether an admission rejection should end
// the execution instead of being retried.
func IsFatalAdmission(err error) bool {
	switch GetErrorCode(err) {
	case ErrExecutionTimeExceeded, ErrExecutionStopped, ErrSpawnLimit, ErrHandoffLimit:
		return true
	}
	return false
}
