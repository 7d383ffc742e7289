package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting.
type ErrorClass string

const (
	// ErrorClassValidation indicates bad input rejected before any cluster call.
	// Never retried; reported to the caller immediately.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransient indicates a single cluster call failed in a way that may
	// succeed on retry (connection drop, timeout, throttling).
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassUnavailable indicates retries were exhausted or a watch could not
	// resubscribe. The loop enters degraded mode.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassApply indicates the cluster rejected a create request.
	ErrorClassApply ErrorClass = "apply"

	// ErrorClassTimeout indicates a pending unit missed its deploy deadline.
	ErrorClassTimeout ErrorClass = "timeout"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the unit or pod name that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two EngineErrors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewUnavailableError creates a new cluster-unavailable error.
func NewUnavailableError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassUnavailable,
		Message: message,
		Code:    ErrCodeClusterUnavailable,
		Err:     err,
	}
}

// NewApplyError creates a new apply error.
func NewApplyError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassApply,
		Message: message,
		Code:    ErrCodeCreateFailed,
		Err:     err,
	}
}

// NewTimeoutError creates a new create-timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTimeout,
		Message: message,
		Code:    ErrCodeCreateTimeout,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or an empty class if err is not an EngineError.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of err, or an empty string if err is not an EngineError.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsUnavailable returns true if the error is classified as cluster-unavailable.
func IsUnavailable(err error) bool {
	return ClassOf(err) == ErrorClassUnavailable
}

// IsApply returns true if the error is classified as an apply error.
func IsApply(err error) bool {
	return ClassOf(err) == ErrorClassApply
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInsufficientCredit = "INSUFFICIENT_CREDITS"
	ErrCodeInvalidAddress     = "INVALID_ADDRESS"
	ErrCodeInvalidKind        = "INVALID_KIND"
	ErrCodeUnitNotFound       = "UNIT_NOT_FOUND"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeRenderFailed       = "RENDER_FAILED"
	ErrCodeClusterUnavailable = "CLUSTER_UNAVAILABLE"
	ErrCodeCreateFailed       = "CREATE_FAILED"
	ErrCodeCreateTimeout      = "CREATE_TIMEOUT"
	ErrCodeDeleteFailed       = "DELETE_FAILED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is checks. Matching is by class and code.
var (
	ErrInsufficientCredits = &EngineError{Class: ErrorClassValidation, Code: ErrCodeInsufficientCredit, Message: "insufficient credits"}
	ErrInvalidAddress      = &EngineError{Class: ErrorClassValidation, Code: ErrCodeInvalidAddress, Message: "invalid target address"}
	ErrUnitNotFound        = &EngineError{Class: ErrorClassValidation, Code: ErrCodeUnitNotFound, Message: "unit not found"}
	ErrPolicyDenied        = &EngineError{Class: ErrorClassValidation, Code: ErrCodePolicyDenied, Message: "denied by policy"}
	ErrClusterUnavailable  = &EngineError{Class: ErrorClassUnavailable, Code: ErrCodeClusterUnavailable, Message: "cluster unavailable"}
)
