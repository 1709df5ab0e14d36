package dwarf

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every *Error unwraps to exactly one of these, so callers can
// branch with errors.Is regardless of how deeply the error was wrapped.
var (
	ErrConflict         = errors.New("conflict")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrFailure          = errors.New("failure")
	ErrCommandExecution = errors.New("command execution failure")
)

// Error is a typed failure that carries a short, client-safe reason and the
// status code it maps to at the API boundary.
type Error struct {
	Kind   error
	Reason string
	Code   int

	// Detail holds diagnostic output (for example a command's stderr). It is
	// logged but never returned to API clients.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Kind }

// Conflict reports a violated uniqueness constraint.
func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Reason: fmt.Sprintf(format, args...), Code: http.StatusConflict}
}

// NotFound reports a lookup that matched no live row or domain.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Reason: fmt.Sprintf(format, args...), Code: http.StatusNotFound}
}

// Forbidden reports an attempt to delete a protected row.
func Forbidden(format string, args ...any) error {
	return &Error{Kind: ErrForbidden, Reason: fmt.Sprintf(format, args...), Code: http.StatusForbidden}
}

// Failure is the generic error with a caller-chosen boundary status code.
func Failure(code int, format string, args ...any) error {
	return &Error{Kind: ErrFailure, Reason: fmt.Sprintf(format, args...), Code: code}
}

// CommandExecutionFailure reports an external tool that exited non-zero.
func CommandExecutionFailure(command string, exitCode int, stderr string) error {
	return &Error{
		Kind:   ErrCommandExecution,
		Reason: "Failed to run command: " + command,
		Code:   http.StatusInternalServerError,
		Detail: fmt.Sprintf("exit code %d: %s", exitCode, stderr),
	}
}

// StatusCode returns the boundary status code for err. Errors that are not
// typed map to 500.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return http.StatusInternalServerError
}

// Reason returns the client-safe reason for err, or a generic message for
// untyped errors so internals do not leak past the API boundary.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal error"
}
