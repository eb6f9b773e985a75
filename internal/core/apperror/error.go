// Package apperror provides the unified error kinds raised by the
// transaction coordination core. Every failure that crosses a package
// boundary is an *AppError carrying one of the codes below, so callers
// branch on the code instead of on concrete error types.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// Error codes
const (
	// Begin-time failures: the transaction never started.
	CodeCannotCreateTransaction = "CANNOT_CREATE_TRANSACTION"

	// Resource factory failures.
	CodeCannotAcquireResource = "CANNOT_ACQUIRE_RESOURCE"
	CodeCannotReleaseResource = "CANNOT_RELEASE_RESOURCE"

	// Commit or rollback failed at the physical layer.
	CodeTransactionSystem = "TRANSACTION_SYSTEM_ERROR"

	// Commit attempted on a transaction marked rollback-only.
	CodeUnexpectedRollback = "UNEXPECTED_ROLLBACK"

	// Savepoint requested where unsupported or disallowed.
	CodeNestedTransactionNotSupported = "NESTED_TRANSACTION_NOT_SUPPORTED"

	// API misuse, e.g. completing a transaction twice.
	CodeTransactionUsage = "TRANSACTION_USAGE"

	// Deadline exceeded.
	CodeTransactionTimedOut = "TRANSACTION_TIMED_OUT"

	// Registry misuse: double bind, unbind of nothing.
	CodeIllegalState = "ILLEGAL_STATE"
)

// AppError is the standard error type for the coordination core.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string

	// Message is a human-readable error description
	Message string

	// Details contains additional context (keys, savepoint names, deadlines)
	Details map[string]any

	// Err is the underlying error
	Err error
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same code, so the
// sentinels below can be used with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// Sentinels for errors.Is matching. Never return these directly.
var (
	ErrCannotCreateTransaction       = &AppError{Code: CodeCannotCreateTransaction}
	ErrCannotAcquireResource         = &AppError{Code: CodeCannotAcquireResource}
	ErrCannotReleaseResource         = &AppError{Code: CodeCannotReleaseResource}
	ErrTransactionSystem             = &AppError{Code: CodeTransactionSystem}
	ErrUnexpectedRollback            = &AppError{Code: CodeUnexpectedRollback}
	ErrNestedTransactionNotSupported = &AppError{Code: CodeNestedTransactionNotSupported}
	ErrTransactionUsage              = &AppError{Code: CodeTransactionUsage}
	ErrTransactionTimedOut           = &AppError{Code: CodeTransactionTimedOut}
	ErrIllegalState                  = &AppError{Code: CodeIllegalState}
)

// --- Factory functions ---

// NewCannotCreateTransaction reports a begin-time failure.
func NewCannotCreateTransaction(message string, cause error) *AppError {
	return &AppError{Code: CodeCannotCreateTransaction, Message: message, Err: cause}
}

// NewCannotAcquireResource reports a connection factory failure.
func NewCannotAcquireResource(cause error) *AppError {
	return &AppError{
		Code:    CodeCannotAcquireResource,
		Message: "failed to obtain connection",
		Err:     cause,
	}
}

// NewCannotReleaseResource reports a physical close failure.
func NewCannotReleaseResource(cause error) *AppError {
	return &AppError{
		Code:    CodeCannotReleaseResource,
		Message: "failed to close connection",
		Err:     cause,
	}
}

// NewTransactionSystem reports a physical commit or rollback failure.
func NewTransactionSystem(message string, cause error) *AppError {
	return &AppError{Code: CodeTransactionSystem, Message: message, Err: cause}
}

// NewUnexpectedRollback reports that commit turned into a rollback.
func NewUnexpectedRollback(message string) *AppError {
	return &AppError{Code: CodeUnexpectedRollback, Message: message}
}

// NewNestedTransactionNotSupported reports an unavailable savepoint.
func NewNestedTransactionNotSupported(message string) *AppError {
	return &AppError{Code: CodeNestedTransactionNotSupported, Message: message}
}

// NewTransactionUsage reports API misuse.
func NewTransactionUsage(message string) *AppError {
	return &AppError{Code: CodeTransactionUsage, Message: message}
}

// NewTransactionTimedOut reports a passed deadline.
func NewTransactionTimedOut(deadline time.Time) *AppError {
	return &AppError{
		Code:    CodeTransactionTimedOut,
		Message: "transaction timed out",
		Details: map[string]any{"deadline": deadline},
	}
}

// NewIllegalState reports registry misuse.
func NewIllegalState(message string) *AppError {
	return &AppError{Code: CodeIllegalState, Message: message}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// an empty string.
func CodeOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ""
}

// HasCode checks if any AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	return errors.Is(err, &AppError{Code: code})
}
