package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/loomworks/loom/store"
)

// Code classifies engine errors for API mapping and retry decisions.
type Code string

const (
	CodeValidation Code = "validation"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeRetriable  Code = "retriable"
	CodeToolError  Code = "tool_error"
	CodeTimeout    Code = "timeout"
	CodeCancelled  Code = "cancelled"
	CodeFatal      Code = "fatal"
)

// Error is a coded engine error. The code survives wrapping so transports
// can map it without string matching.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a coded error from a format string.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and context message to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the classification of err. Store sentinels and context
// errors map to their natural codes; anything unclassified is retriable so
// transient infrastructure faults do not poison executions.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrDuplicate):
		return CodeConflict
	case errors.Is(err, store.ErrLeaseExpired), errors.Is(err, store.ErrLeaseOwner):
		return CodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	}
	return CodeRetriable
}

// HTTPStatus maps a code to the status the API layer returns for it.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRetriable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// maxErrorLen bounds error text persisted on events so a stack trace or a
// dumped response body cannot bloat the log.
const maxErrorLen = 500

// TruncateError clips msg to maxErrorLen runes, marking the cut.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorLen {
		return msg
	}
	return string(r[:maxErrorLen]) + "...(truncated)"
}
