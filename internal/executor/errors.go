package executor

import (
	"errors"
	"fmt"
)

// ErrorCode classifies executor errors.
type ErrorCode string

const (
	// ErrCodeSubmitTransient indicates a submission refusal that may
	// succeed on retry, such as a full queue.
	ErrCodeSubmitTransient ErrorCode = "SUBMIT_TRANSIENT"
	// ErrCodeSubmitPermanent indicates a submission that can never succeed.
	ErrCodeSubmitPermanent ErrorCode = "SUBMIT_PERMANENT"
	// ErrCodeNotFound indicates an unknown executor or assignment.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeStopped indicates the executor is not running.
	ErrCodeStopped ErrorCode = "STOPPED"
)

// ExecutorError is an error raised by executor operations.
type ExecutorError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// NewTransientError creates a retryable submission error.
func NewTransientError(message string, cause error) *ExecutorError {
	return &ExecutorError{Code: ErrCodeSubmitTransient, Message: message, Cause: cause}
}

// NewPermanentError creates a non-retryable submission error.
func NewPermanentError(message string, cause error) *ExecutorError {
	return &ExecutorError{Code: ErrCodeSubmitPermanent, Message: message, Cause: cause}
}

// NewStoppedError creates an error for operations on a stopped executor.
func NewStoppedError(name string) *ExecutorError {
	return &ExecutorError{Code: ErrCodeStopped, Message: fmt.Sprintf("executor %s is not running", name)}
}

// IsTransient reports whether the error is a retryable submission error.
func IsTransient(err error) bool {
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Code == ErrCodeSubmitTransient
	}
	return false
}
