// Package errs defines the error kinds shared by the store, the engine and the API.
package errs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Kind int

const (
	Internal Kind = iota
	NotFound
	Conflict
	InvalidInput
	StoreUnavailable
	HandlerFailure
	Unauthorized
	RateLimited
)

var kindCodes = map[Kind]string{
	Internal:         "internal_error",
	NotFound:         "not_found",
	Conflict:         "conflict",
	InvalidInput:     "invalid_input",
	StoreUnavailable: "store_unavailable",
	HandlerFailure:   "handler_failure",
	Unauthorized:     "unauthorized",
	RateLimited:      "rate_limited",
}

// String returns the stable code sent to API callers.
func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "internal_error"
}

func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case InvalidInput:
		return http.StatusBadRequest
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the operation with backoff.
func (k Kind) Retryable() bool {
	return k == StoreUnavailable
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound         = &Error{Kind: NotFound}
	ErrConflict         = &Error{Kind: Conflict}
	ErrInvalidInput     = &Error{Kind: InvalidInput}
	ErrStoreUnavailable = &Error{Kind: StoreUnavailable}
	ErrHandlerFailure   = &Error{Kind: HandlerFailure}
	ErrUnauthorized     = &Error{Kind: Unauthorized}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// FromStore classifies a database/sql error. Errors that already carry a kind pass through.
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Wrap(NotFound, err, "not found")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(StoreUnavailable, err, "store unavailable")
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return Wrap(Conflict, err, "constraint violation")
		}
	}
	return Wrap(StoreUnavailable, err, "store unavailable")
}

// IsBusy reports SQLITE_BUSY and SQLITE_LOCKED.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
