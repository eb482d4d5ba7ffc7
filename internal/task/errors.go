package task

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable rejection code.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeWrongState       Code = "wrong_state"
	CodeExpired          Code = "expired"
	CodeConflict         Code = "conflict"
	CodeBlocked          Code = "blocked"
	CodeExtractionFailed Code = "extraction_failed"
	CodePolicyViolation  Code = "policy_violation"
	CodeTransient        Code = "transient"
	// CodeInvalidRequest rejects a malformed create request before any task
	// exists.
	CodeInvalidRequest Code = "invalid_request"
)

// Sentinels for errors.Is matching against an *Error of the same code.
var (
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrWrongState       = &Error{Code: CodeWrongState}
	ErrExpired          = &Error{Code: CodeExpired}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrBlocked          = &Error{Code: CodeBlocked}
	ErrExtractionFailed = &Error{Code: CodeExtractionFailed}
	ErrPolicyViolation  = &Error{Code: CodePolicyViolation}
	ErrTransient        = &Error{Code: CodeTransient}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest}
)

// Error is a typed outcome carrying a stable code and a human reason.
// Status is set for WrongState rejections.
type Error struct {
	Code   Code
	Reason string
	Status Status
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Errorf builds an *Error with a formatted reason.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// WrongState reports that an operation is not valid from the current status.
func WrongState(taskID string, current Status) *Error {
	return &Error{
		Code:   CodeWrongState,
		Reason: fmt.Sprintf("task %s is %s", taskID, current),
		Status: current,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// ReasonOf returns the reason of the first *Error in err's chain, falling
// back to err.Error().
func ReasonOf(err error) string {
	var te *Error
	if errors.As(err, &te) && te.Reason != "" {
		return te.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
