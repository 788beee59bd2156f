package pbx

import "fmt"

// State is the lifecycle state of a Telephone Unit.
type State int

const (
	// StateOnHook is the idle state: no call, handset down.
	StateOnHook State = iota
	// StateRinging means a peer is dialing this TU; the handset has not
	// been lifted yet.
	StateRinging
	// StateDialTone means the handset is up and this TU may dial.
	StateDialTone
	// StateRingBack means this TU dialed a peer and is waiting for pickup.
	StateRingBack
	// StateBusySignal means the last dial attempt hit an occupied target
	// or this TU itself.
	StateBusySignal
	// StateConnected means this TU is bridged to a peer.
	StateConnected
	// StateError means the last dial attempt targeted an extension with
	// nobody registered (an empty or out-of-range slot).
	StateError
)

// String returns the wire notification keyword for the state, without any
// trailing argument (extension or peer extension) the caller may append.
func (s State) String() string {
	switch s {
	case StateOnHook:
		return "ON HOOK"
	case StateRinging:
		return "RINGING"
	case StateDialTone:
		return "DIAL TONE"
	case StateRingBack:
		return "RING BACK"
	case StateBusySignal:
		return "BUSY SIGNAL"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// hasPeer reports whether a TU in this state is expected to hold a peer
// pointer (invariant: RINGING, RING_BACK and CONNECTED always do; every
// other state never does).
func (s State) hasPeer() bool {
	switch s {
	case StateRinging, StateRingBack, StateConnected:
		return true
	default:
		return false
	}
}
