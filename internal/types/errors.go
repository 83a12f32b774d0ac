package types

import (
	"errors"
	"fmt"
)

// Kind classifies failures into the taxonomy the orchestrator reasons about.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindAmbiguousTime Kind = "ambiguous_time"
	KindUnknownTool   Kind = "unknown_tool"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindRateLimited   Kind = "rate_limited"
	KindUnauthorized  Kind = "unauthorized"
	KindUnavailable   Kind = "unavailable"
	KindSessionStore  Kind = "session_store_error"
	KindInternal      Kind = "internal"
)

// Error is the normalized error carried across component boundaries.
// Provider-specific shapes never leave their adapter; they are folded into
// Message and wrapped as Err.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-safe message of a taxonomy error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Recoverable reports whether err should be fed back to the model rather
// than aborting the request.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindAmbiguousTime, KindUnknownTool,
		KindNotFound, KindConflict, KindRateLimited, KindUnauthorized, KindUnavailable:
		return true
	}
	return false
}
