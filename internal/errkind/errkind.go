// Package errkind provides a closed error-kind taxonomy shared by the
// store, broker, and pipeline so that retry decisions are made on typed
// kinds produced at the failure site, never on error-string inspection.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and acknowledgement decisions.
type Kind int

const (
	// Unknown is the zero value for errors that carry no kind.
	Unknown Kind = iota
	// Invalid marks a malformed request or input. Never retried.
	Invalid
	// Unavailable marks a transient infrastructure failure (database or
	// broker unreachable, timeout). Safe to retry or requeue.
	Unavailable
	// Rejected marks a permanent per-item failure (unreadable file,
	// corrupt content). Requeueing cannot help.
	Rejected
	// NotFound marks a missing entity.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Unavailable:
		return "unavailable"
	case Rejected:
		return "rejected"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error pairs an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Of returns the Kind carried by err, or Unknown.
func Of(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried or requeued.
func IsTransient(err error) bool {
	return Of(err) == Unavailable
}
