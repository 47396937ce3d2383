// Package fsmerr defines the sixteen protocol error codes and the error
// type used throughout the engine, WAL, and session layers.
package fsmerr

import (
	"errors"
	"fmt"
)

// Code is one of the sixteen protocol error codes.
type Code string

const (
	UnsupportedProtocol       Code = "UNSUPPORTED_PROTOCOL"
	BadRequest                Code = "BAD_REQUEST"
	Unauthorized              Code = "UNAUTHORIZED"
	AuthFailed                Code = "AUTH_FAILED"
	NotFound                  Code = "NOT_FOUND"
	MachineNotFound           Code = "MACHINE_NOT_FOUND"
	MachineVersionExists      Code = "MACHINE_VERSION_EXISTS"
	MachineVersionLimitExceed Code = "MACHINE_VERSION_LIMIT_EXCEEDED"
	InstanceNotFound          Code = "INSTANCE_NOT_FOUND"
	InstanceExists            Code = "INSTANCE_EXISTS"
	InvalidTransition         Code = "INVALID_TRANSITION"
	GuardFailed               Code = "GUARD_FAILED"
	Conflict                  Code = "CONFLICT"
	WALIOError                Code = "WAL_IO_ERROR"
	InternalError             Code = "INTERNAL_ERROR"
	RateLimited               Code = "RATE_LIMITED"
)

// retryable is exactly {WAL_IO_ERROR, INTERNAL_ERROR, RATE_LIMITED}.
var retryable = map[Code]bool{
	WALIOError:    true,
	InternalError: true,
	RateLimited:   true,
}

// Retryable reports whether the given code belongs to the retryable set.
func Retryable(c Code) bool {
	return retryable[c]
}

// Error is the error type returned by every fallible operation in the
// engine, WAL, and session layers. It carries a protocol error code,
// an optional cause, and arbitrary structured details (e.g. the
// {expected_state, actual_state} pair for CONFLICT).
type Error struct {
	Code    Code
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Is reports whether err is (or wraps) an *Error with the given code.
func Is(err error, code Code) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Code == code
}

// CodeOf extracts the protocol error code from err, defaulting to
// INTERNAL_ERROR for errors that were never classified.
func CodeOf(err error) Code {
	if fe, ok := err.(*Error); ok {
		return fe.Code
	}
	return InternalError
}
