// Package errors defines the floor engine error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents an engine error category
type ErrorCode string

const (
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeBroadcastFailure  ErrorCode = "BROADCAST_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches any EngineError carrying the same code, so
// errors.Is(err, errors.Conflict("", nil)) style checks work.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to an HTTP status code
func (e *EngineError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request
func (e *EngineError) Retryable() bool {
	return e.Code == ErrCodeConflict || e.Code == ErrCodeStorageFailure
}

// NewEngineError creates a new EngineError
func NewEngineError(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidTransition(from, to string) *EngineError {
	return NewEngineError(ErrCodeInvalidTransition, fmt.Sprintf("invalid transition from %s to %s", from, to), nil).
		WithDetail("from", from).
		WithDetail("to", to)
}

func Conflict(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeConflict, message, cause)
}

func WorkItemNotFound(workItemID string) *EngineError {
	return NewEngineError(ErrCodeNotFound, fmt.Sprintf("work item not found: %s", workItemID), nil).
		WithDetail("work_item_id", workItemID)
}

func NodeNotFound(nodeID string) *EngineError {
	return NewEngineError(ErrCodeNotFound, fmt.Sprintf("floor node not found: %s", nodeID), nil).
		WithDetail("node_id", nodeID)
}

func BroadcastFailure(tenantID string, failed int, cause error) *EngineError {
	return NewEngineError(ErrCodeBroadcastFailure, fmt.Sprintf("failed to deliver event to %d subscriber(s) of tenant %s", failed, tenantID), cause).
		WithDetail("tenant_id", tenantID).
		WithDetail("failed", failed)
}

func StorageFailure(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeStorageFailure, message, cause)
}

func InvalidArgument(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInvalidArgument, message, cause)
}

func RateLimited(message string) *EngineError {
	return NewEngineError(ErrCodeRateLimited, message, nil)
}

func InternalError(message string, cause error) *EngineError {
	return NewEngineError(ErrCodeInternal, message, cause)
}

// AsEngineError extracts an EngineError from an error chain
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if ee, ok := AsEngineError(err); ok {
		return ee.Code
	}
	return ErrCodeInternal
}

func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }
func IsConflict(err error) bool          { return hasCode(err, ErrCodeConflict) }
func IsNotFound(err error) bool          { return hasCode(err, ErrCodeNotFound) }
func IsStorageFailure(err error) bool    { return hasCode(err, ErrCodeStorageFailure) }
func IsBroadcastFailure(err error) bool  { return hasCode(err, ErrCodeBroadcastFailure) }
func IsInvalidArgument(err error) bool   { return hasCode(err, ErrCodeInvalidArgument) }

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	ee, ok := AsEngineError(err)
	return ok && ee.Code == code
}
