// Package errkind carries the error taxonomy every public operation reports.
// Handlers map kinds to HTTP status codes and WS error frames; components
// retry Transient locally and surface everything else.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for the API surface.
type Kind int

const (
	Unknown Kind = iota
	Validation
	Unauthorized
	RateLimited
	NotFound
	Conflict
	Transient
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate-limited"
	case NotFound:
		return "not-found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a tagged error. RetryAfter is set for RateLimited.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Limited creates a RateLimited error carrying a retry hint.
func Limited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Msg: msg, RetryAfter: retryAfter}
}

// Of returns the kind of err, or Unknown if it carries none.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// RetryAfterOf returns the retry hint on a RateLimited error, zero otherwise.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
