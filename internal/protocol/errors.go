package protocol

import (
	"errors"
	"fmt"
)

// Code classifies protocol-level failures.
type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInvalidState Code = "INVALID_STATE"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is a protocol failure with a machine-readable code. The router
// converts these into broadcast error messages rather than letting them
// escape.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unauthorized reports a failed capability or role check.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing participant, gate, message, or context item.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports an operation that is not legal in the session's
// current state.
func InvalidState(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, defaulting to INTERNAL_ERROR
// for anything that is not a protocol error.
func CodeOf(err error) Code {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return CodeInternal
}
