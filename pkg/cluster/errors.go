package cluster

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a probe connection refused while a service is still warming up.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassExhausted indicates local resource exhaustion.
	// Examples: no free TCP port in the configured range.
	ErrorClassExhausted ErrorClass = "exhausted"

	// ErrorClassConflict indicates a cluster state conflict.
	// Examples: registering a duplicate instance name, starting a running cluster.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: a dependency cycle, an unknown service kind, a crashed process.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ClusterError represents a classified error with instance and stage context.
// nolint:revive // ClusterError is intentionally named to distinguish from standard errors
type ClusterError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Instance is the instance name that caused the error, if applicable.
	Instance string `json:"instance,omitempty"`

	// Stage is the lifecycle stage being performed when the error occurred.
	Stage string `json:"stage,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ClusterError) Error() string {
	if e.Instance != "" && e.Stage != "" {
		return fmt.Sprintf("[%s] %s (instance=%s, stage=%s): %s",
			e.Class, e.Message, e.Instance, e.Stage, e.unwrapMessage())
	}
	if e.Instance != "" {
		return fmt.Sprintf("[%s] %s (instance=%s): %s",
			e.Class, e.Message, e.Instance, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ClusterError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *ClusterError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *ClusterError) Is(target error) bool {
	t, ok := target.(*ClusterError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ClusterError {
	return &ClusterError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewExhaustedError creates a new resource-exhaustion error.
func NewExhaustedError(message string, err error) *ClusterError {
	return &ClusterError{
		Class:   ErrorClassExhausted,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *ClusterError {
	return &ClusterError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ClusterError {
	return &ClusterError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithInstance adds instance context to an error.
func (e *ClusterError) WithInstance(name string) *ClusterError {
	e.Instance = name
	return e
}

// WithStage adds lifecycle stage context to an error.
func (e *ClusterError) WithStage(stage string) *ClusterError {
	e.Stage = stage
	return e
}

// WithCode adds an error code to an error.
func (e *ClusterError) WithCode(code string) *ClusterError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ClusterError) WithDetail(key string, value interface{}) *ClusterError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *ClusterError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsExhausted returns true if the error is classified as resource exhaustion.
func IsExhausted(err error) bool {
	var e *ClusterError
	if errors.As(err, &e) {
		return e.Class == ErrorClassExhausted
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *ClusterError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *ClusterError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsExhausted(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeUnknownDep       = "UNKNOWN_DEPENDENCY"
	ErrCodeDeployFailed     = "DEPLOY_FAILED"
	ErrCodeConfigFailed     = "CONFIG_FAILED"
	ErrCodeSpawnFailed      = "SPAWN_FAILED"
	ErrCodeCrashed          = "PROCESS_CRASHED"
	ErrCodeReadinessTimeout = "READINESS_TIMEOUT"
	ErrCodePortExhausted    = "PORT_EXHAUSTED"
	ErrCodeBadState         = "INVALID_STATE"
	ErrCodeIO               = "IO_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
