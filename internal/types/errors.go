package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

const (
	// Validation
	ErrCodeValidationInvalidRule     ErrorCode = "validation_invalid_rule"
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidCron     ErrorCode = "validation_invalid_cron"
	ErrCodeValidationInvalidEvent    ErrorCode = "validation_invalid_event"

	// Not Found
	ErrCodeNotFoundAlarm ErrorCode = "not_found_alarm"

	// Internal/Upstream
	ErrCodeInternalDB           ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected   ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamMetrics      ErrorCode = "upstream_metrics_unavailable"
	ErrCodeUpstreamCoordination ErrorCode = "upstream_coordination_unavailable"
	ErrCodeUpstreamQueue        ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
)

// Sentinel errors shared by storage implementations and evaluators.
var (
	// ErrAlarmNotFound is returned by storage when an alarm no longer exists.
	ErrAlarmNotFound = errors.New("alarm not found")
	// ErrNotImplemented is returned by storage backends that do not keep
	// alarm history. Callers ignore it.
	ErrNotImplemented = errors.New("not implemented")
)

// AppError is the standard application error type.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// HasCode reports whether err wraps an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
