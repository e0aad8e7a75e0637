package errors

import (
	"errors"
	"fmt"
)

// Standard error codes used across the codebase. Adapters and packages are
// free to define their own domain-specific codes (see pkg/device/errors.go
// for an example) but should reuse these for the common cases.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeConflict        = "CONFLICT"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeForbidden       = "FORBIDDEN"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
)

// AppError is the structured error type used throughout the codebase. It
// carries a stable Code that callers can switch on, a human-readable
// Message, and an optional wrapped Err for chaining.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New builds an AppError with the given code, message and optional cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches a message to err, preserving its code if it is already an
// AppError, and defaulting to CodeInternal otherwise.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// NotFound builds a CodeNotFound error.
func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

// AlreadyExists builds a CodeAlreadyExists error.
func AlreadyExists(message string, err error) *AppError {
	return New(CodeAlreadyExists, message, err)
}

// Conflict builds a CodeConflict error.
func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

// InvalidArgument builds a CodeInvalidArgument error.
func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, err)
}

// Forbidden builds a CodeForbidden error.
func Forbidden(message string, err error) *AppError {
	return New(CodeForbidden, message, err)
}

// Unauthorized builds a CodeUnauthorized error.
func Unauthorized(message string, err error) *AppError {
	return New(CodeUnauthorized, message, err)
}

// Unavailable builds a CodeUnavailable error.
func Unavailable(message string, err error) *AppError {
	return New(CodeUnavailable, message, err)
}

// Internal builds a CodeInternal error.
func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// Timeout builds a CodeTimeout error.
func Timeout(message string, err error) *AppError {
	return New(CodeTimeout, message, err)
}

// Canceled builds a CodeCanceled error.
func Canceled(message string, err error) *AppError {
	return New(CodeCanceled, message, err)
}

// As is a thin re-export of errors.As so callers only need to import this
// package when working with AppError chains.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a thin re-export of errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// CodeOf returns the code of err if it is (or wraps) an AppError, and
// CodeInternal otherwise.
func CodeOf(err error) string {
	var appErr *AppError
	if As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
