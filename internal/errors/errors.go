// Package errors provides the error codes surfaced by the field sync core.
//
// Codes map onto the failure taxonomy callers care about: local storage
// failures are fatal, network failures are retried, conflicts are resolved
// internally, validation failures never reach the queue and photo transfer
// failures carry their own retry counter.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrLocalStorage       ErrorCode = "LOCAL_STORAGE_ERROR"

	// Validation errors (geofence, time window, payload shape)
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Sync errors
	ErrNetwork           ErrorCode = "NETWORK_ERROR"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"

	// Photo errors
	ErrPhotoTransfer ErrorCode = "PHOTO_TRANSFER_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsLocalStorage reports whether err is a local storage failure. These are
// fatal to the caller: losing the store means losing guide actions.
func IsLocalStorage(err error) bool {
	return Is(err, ErrStorageUnavailable) || Is(err, ErrLocalStorage)
}
