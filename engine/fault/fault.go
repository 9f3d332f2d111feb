// Package fault defines the tagged error type shared across the engine and
// the API surface. Every failure that crosses a component boundary is a
// *Fault carrying a Kind, so callers branch on taxonomy instead of matching
// error strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure taxonomy. The API layer maps kinds to HTTP statuses
// and wire error codes; the orchestrator maps them to turn-level behavior.
type Kind string

const (
	KindBadRequest         Kind = "BAD_REQUEST"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindRateLimited        Kind = "TOO_MANY_REQUESTS"
	KindCooldownActive     Kind = "COOLDOWN_ACTIVE"
	KindClosedConversation Kind = "CLOSED_CONVERSATION"
	KindUpstreamTimeout    Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamError      Kind = "UPSTREAM_ERROR"
	KindStoreUnavailable   Kind = "STORE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_SERVER_ERROR"
)

// retriableKinds are failures a client may retry without changing the request.
var retriableKinds = map[Kind]bool{
	KindRateLimited:      true,
	KindUpstreamTimeout:  true,
	KindUpstreamError:    true,
	KindStoreUnavailable: true,
}

// Fault is a classified error. Message is safe to return to API clients;
// the wrapped cause is for logs only.
type Fault struct {
	Kind      Kind
	Message   string
	Retriable bool
	Details   map[string]any
	cause     error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the cause for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.cause
}

// WithDetail attaches a key/value pair surfaced in the API error envelope.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any, 1)
	}
	f.Details[key] = value
	return f
}

// New builds a Fault with the kind's default retriability.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message, Retriable: retriableKinds[kind]}
}

// Newf is New with fmt verbs.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap builds a Fault around a cause. Wrapping nil returns nil so call
// sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) *Fault {
	if cause == nil {
		return nil
	}
	f := New(kind, message)
	f.cause = cause
	return f
}

// Wrapf is Wrap with fmt verbs.
func Wrapf(kind Kind, cause error, format string, args ...any) *Fault {
	return Wrap(kind, fmt.Sprintf(format, args...), cause)
}

// Get extracts the *Fault from an error chain, or nil.
func Get(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// KindOf reports the kind of err, defaulting to Internal for untagged errors
// and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f := Get(err); f != nil {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	f := Get(err)
	return f != nil && f.Kind == kind
}

// IsRetriable reports whether the client may retry the failed call as-is.
func IsRetriable(err error) bool {
	if f := Get(err); f != nil {
		return f.Retriable
	}
	return false
}
