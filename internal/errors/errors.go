// Package errors provides error codes shared by the sync core and its FFI boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the host app.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrStorageNotInitialized ErrorCode = "STORAGE_NOT_INITIALIZED"
	ErrDatabase              ErrorCode = "DATABASE_ERROR"
	ErrMigration             ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress  ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline     ErrorCode = "SYNC_OFFLINE"
	ErrSyncConflict    ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuthFailed  ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncAuthExpired ErrorCode = "SYNC_AUTH_EXPIRED"
	ErrSyncTimeout     ErrorCode = "SYNC_TIMEOUT"
	ErrRemoteDown      ErrorCode = "REMOTE_UNAVAILABLE"

	// Credential errors
	ErrCredentialsMissing ErrorCode = "CREDENTIALS_MISSING"
	ErrCryptoFailed       ErrorCode = "CRYPTO_FAILED"
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

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
