package model

import (
	"errors"
	"fmt"
)

// Kind is a semantic error classification shared by every component.
// Callers branch on Kind, never on error string content.
type Kind string

const (
	// KindNotFound means a referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindInvalidTransition means the state machine forbids the requested move.
	KindInvalidTransition Kind = "invalid_transition"
	// KindOptimisticLockFailed means a concurrent writer already moved the row.
	KindOptimisticLockFailed Kind = "optimistic_lock_failed"
	// KindForbidden means the caller lacks authority for the requested write
	// (e.g. a non-orchestrator source attempting phase.transitioned).
	KindForbidden Kind = "forbidden"
	// KindDuplicate means an idempotency key collided; the caller should treat
	// this as a silent no-op, not a failure.
	KindDuplicate Kind = "duplicate"
	// KindRetryableExternal means an external call failed in a way that is
	// expected to succeed on retry (5xx, rate-limit, network reset).
	KindRetryableExternal Kind = "retryable_external"
	// KindPermanentExternal means an external call failed in a way retrying
	// will not fix (4xx other than 429).
	KindPermanentExternal Kind = "permanent_external"
	// KindValidation means a payload or artifact failed a schema/reference check.
	KindValidation Kind = "validation_error"
	// KindNotImplemented means a reserved, not-yet-built code path was hit.
	KindNotImplemented Kind = "not_implemented"
)

// Error is the concrete error type returned by every component in this
// module. It carries a Kind for programmatic branching plus a human message
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, model.NotFound) style sentinel comparisons by
// matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError constructs an *Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinel instances for errors.Is comparisons where no message/cause matters.
var (
	NotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	InvalidTransition     = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	OptimisticLockFailed  = &Error{Kind: KindOptimisticLockFailed, Message: "optimistic lock failed"}
	Forbidden             = &Error{Kind: KindForbidden, Message: "forbidden"}
	Duplicate             = &Error{Kind: KindDuplicate, Message: "duplicate"}
	ErrNotImplementedKind = &Error{Kind: KindNotImplemented, Message: "not implemented"}
)
