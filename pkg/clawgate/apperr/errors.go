// Package apperr defines the error taxonomy shared by every ClawGate
// component. Errors carry a stable Code that survives wrapping and is the
// only part exposed across the gateway boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error code.
type Code string

const (
	AuthError          Code = "AuthError"
	ValidationError    Code = "ValidationError"
	RateLimited        Code = "RateLimited"
	SessionNotFound    Code = "SessionNotFound"
	SessionExpired     Code = "SessionExpired"
	PermissionDenied   Code = "PermissionDenied"
	SandboxUnavailable Code = "SandboxUnavailable"
	ToolTimeout        Code = "ToolTimeout"
	ResultTooLarge     Code = "ResultTooLarge"
	SandboxCrash       Code = "SandboxCrash"
	AuditWriteFailure  Code = "AuditWriteFailure"
	Cancelled          Code = "Cancelled"
	ToolFailed         Code = "ToolFailed"
	NotFound           Code = "NotFound"
	Internal           Code = "Internal"
)

// Retryable reports whether a caller may retry the operation with backoff.
func (c Code) Retryable() bool {
	return c == SandboxUnavailable || c == RateLimited
}

// Error is the error type returned by ClawGate components.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrAuth               = &Error{Code: AuthError, Message: "authentication failed"}
	ErrValidation         = &Error{Code: ValidationError, Message: "invalid request"}
	ErrRateLimited        = &Error{Code: RateLimited, Message: "rate limit exceeded"}
	ErrSessionNotFound    = &Error{Code: SessionNotFound, Message: "session not found"}
	ErrSessionExpired     = &Error{Code: SessionExpired, Message: "session expired"}
	ErrPermissionDenied   = &Error{Code: PermissionDenied, Message: "permission denied"}
	ErrSandboxUnavailable = &Error{Code: SandboxUnavailable, Message: "no sandbox available"}
	ErrToolTimeout        = &Error{Code: ToolTimeout, Message: "tool exceeded its deadline"}
	ErrResultTooLarge     = &Error{Code: ResultTooLarge, Message: "tool output exceeded the size cap"}
	ErrSandboxCrash       = &Error{Code: SandboxCrash, Message: "sandbox crashed"}
	ErrAuditWriteFailure  = &Error{Code: AuditWriteFailure, Message: "audit record could not be persisted"}
	ErrCancelled          = &Error{Code: Cancelled, Message: "invocation cancelled"}
	ErrNotFound           = &Error{Code: NotFound, Message: "not found"}
)

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the code of err. Errors without a code are Internal;
// a nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Public returns the code and a message safe to show a remote client.
// Causes are dropped and internal errors are reduced to a generic message.
func Public(err error) (Code, string) {
	var e *Error
	if !errors.As(err, &e) || e.Code == Internal {
		return Internal, "internal error"
	}
	return e.Code, e.Message
}
