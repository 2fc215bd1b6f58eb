// Package fault defines the error taxonomy shared across the gateway,
// orchestrator, tool layer, and webhook pipeline. Components classify
// failures into a small set of kinds; callers branch on the kind, never on
// provider-specific error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse error classification surfaced to clients and metrics.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotPermitted Kind = "not_permitted"
	KindUnavailable  Kind = "unavailable"
	KindRateLimited  Kind = "rate_limited"
	KindTimeout      Kind = "timeout"
	KindToolError    Kind = "tool_error"
	KindInternal     Kind = "internal"
)

// Error carries a kind plus a wrapped cause. The message shown to clients is
// sanitized by the gateway; the cause stays server-side.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to KindInternal for
// unclassified errors and KindTimeout for context deadline expiry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether the chain policy may retry this error on the
// same or next provider.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindRateLimited:
		return true
	}
	return false
}
