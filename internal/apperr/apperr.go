// Package apperr defines the error kinds surfaced by the chat core. Every
// operation that can be rejected returns an *Error carrying one of these
// kinds so the gateway can map it to a wire code without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected operation.
type Kind string

const (
	Unauthorized      Kind = "unauthorized"
	NotFound          Kind = "not_found"
	Forbidden         Kind = "forbidden"
	Conflict          Kind = "conflict"
	InvalidState      Kind = "invalid_state"
	ValidationFailed  Kind = "validation_failed"
	ModerationBlocked Kind = "moderation_blocked"
	Unavailable       Kind = "unavailable"
	RateLimited       Kind = "rate_limited"
)

// Error is a classified error. Msg is safe to show to the client; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E returns a new classified error.
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf is E with formatting.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are treated as
// Unavailable, since they come from a collaborator that failed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unavailable
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "service temporarily unavailable"
}
