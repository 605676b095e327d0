// Package apperr defines the error kinds shared by the scheduler, the reconciler, the git
// safety net and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Match with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrSession         = errors.New("session error")
	ErrSync            = errors.New("sync error")
	ErrRestoreConflict = errors.New("restore conflict")
)

// Error carries a kind, a message for callers and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind so errors.Is(err, ErrNotFound) works through wrapping.
func (e *Error) Is(target error) bool { return e.Kind == target }

func newf(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Validation reports missing or malformed caller input.
func Validation(format string, args ...any) error {
	return newf(ErrValidation, nil, format, args...)
}

// Conflict reports a duplicate or a state that forbids the operation.
func Conflict(format string, args ...any) error {
	return newf(ErrConflict, nil, format, args...)
}

// NotFound reports an unknown id.
func NotFound(what, id string) error {
	return newf(ErrNotFound, nil, "%s not found: %s", what, id)
}

// Session wraps an agent spawn or stream failure.
func Session(cause error, format string, args ...any) error {
	return newf(ErrSession, cause, format, args...)
}

// Sync wraps a failed tracker provider call.
func Sync(cause error, format string, args ...any) error {
	return newf(ErrSync, cause, format, args...)
}

// RestoreConflict reports that dirty state could not be reapplied after a reset.
func RestoreConflict(cause error, format string, args ...any) error {
	return newf(ErrRestoreConflict, cause, format, args...)
}

// HTTPStatus maps an error to a response code. Unknown errors are 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrRestoreConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSession), errors.Is(err, ErrSync):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
