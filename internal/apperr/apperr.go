// Package apperr is the closed set of error kinds from spec §7. The
// teacher wraps driver errors with %w and checks with errors.Is; this
// package gives that pattern named sentinels instead of bare strings
// so callers can branch on kind without string matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	AuthFailed         Kind = "auth_failed"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	PreconditionFailed Kind = "precondition_failed"
	TransientStore     Kind = "transient_store"
	PermanentStore     Kind = "permanent_store"
	RoutingUnavailable Kind = "routing_unavailable"
	Timeout            Kind = "timeout"
)

// Error pairs a Kind with context, so callers can both log a good
// message and branch on Is(err, SomeKind).
type Error struct {
	Kind    Kind
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, apperr.TransientStore) work directly against
// a Kind value by comparing the wrapped Error.Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

func (k Kind) Error() string { return string(k) }

// New builds an *Error for op, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind of err, if any, walking the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
