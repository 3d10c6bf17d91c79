// Package engineerr defines the typed error kinds shared across the
// engine (spec §7) and the small helpers for propagating and
// classifying them. Every component wraps underlying causes with
// fmt.Errorf("%w", ...) in the teacher's style rather than reaching
// for a third-party errors package.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	BadRequest       Kind = "BadRequest"
	AuthFailed       Kind = "AuthFailed"
	NotFound         Kind = "NotFound"
	UniqueViolation  Kind = "UniqueViolation"
	TypeMismatch     Kind = "TypeMismatch"
	NotSubscribed    Kind = "NotSubscribed"
	EnergyExhausted  Kind = "EnergyExhausted"
	InternalTrap     Kind = "InternalTrap"
	Lagging          Kind = "Lagging"
	WalCorrupt       Kind = "WalCorrupt"
)

// Error wraps an underlying cause with one of the Kinds above so
// callers at the session/scheduler layer can decide propagation
// (spec §7) without string-matching messages.
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

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given
// Kind, mirroring the standard errors.Is convention.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, defaulting to InternalTrap
// for errors the engine did not classify (a bug, not a protocol
// condition — spec §7's InternalTrap covers "wasm trap or host bug").
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalTrap
}
