package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP boundary. The
// string value is what crosses the API as error_kind, so it never changes.
type Kind string

const (
	Validation   Kind = "validation"
	NotFound     Kind = "not_found"
	Unauthorized Kind = "unauthorized"
	InvalidState Kind = "invalid_state"
	Conflict     Kind = "conflict"
	Store        Kind = "store"
)

// Error is a classified error with a display-safe message. Err, when set,
// carries the underlying cause for logs and errors.Is checks; it is never
// rendered to API clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a fixed message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it available via Unwrap.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err. Unclassified errors report Store, since
// anything reaching the boundary without a kind came from a backend.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Store
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Message returns the display-safe message for err. Unclassified errors get
// a generic message so backend details never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal storage error"
}
