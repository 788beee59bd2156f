package pbx

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is. A command that arrives while a TU
// is in the wrong state is never an error — it is a no-op that re-emits the
// TU's current state — so there is deliberately no ErrWrongState here.
var (
	// ErrNilTU indicates a nil TU was passed where one was required.
	ErrNilTU = errors.New("pbx: nil TU")

	// ErrInvalidExtension indicates an extension number outside the
	// registry's valid range.
	ErrInvalidExtension = errors.New("pbx: extension out of range")

	// ErrExtensionOccupied indicates a register call targeted a slot that
	// already holds a TU.
	ErrExtensionOccupied = errors.New("pbx: extension already registered")

	// ErrAlreadySet indicates SetExtension was called on a TU that already
	// has an extension assigned; it is idempotent only to this failure.
	ErrAlreadySet = errors.New("pbx: extension already set")

	// ErrUnknownTU indicates the named slot does not hold the given TU
	// (double unregister, or a stale TU from a previous registration).
	ErrUnknownTU = errors.New("pbx: TU not registered at this extension")

	// ErrNotRegistered indicates a TU has never been assigned an extension.
	ErrNotRegistered = errors.New("pbx: TU has no extension")
)

// StateTransitionError carries diagnostic detail about an attempted
// transition, for the rare caller that wants more than the sentinel. Core
// operations never return this on the wrong-state no-op path; it exists for
// internal invariant checks that should never fire in a correct build.
type StateTransitionError struct {
	Entity  string // "TU" or "PBX"
	ID      uint64
	From    fmt.Stringer
	To      fmt.Stringer
	Message string
}

func (e *StateTransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %d: cannot transition from %s to %s: %s",
			e.Entity, e.ID, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("%s %d: cannot transition from %s to %s",
		e.Entity, e.ID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error {
	return errInvalidTransition
}

var errInvalidTransition = errors.New("pbx: invalid state transition")
