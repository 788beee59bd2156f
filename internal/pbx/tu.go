package pbx

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/switchpbx/internal/pbx/events"
)

const unsetExtension = -1

// Conn is the minimal socket contract a TU needs: serialized writes to the
// client, and a way to force the connection closed. Any net.Conn satisfies
// it; tests can supply an in-memory fake.
type Conn interface {
	io.Writer
	Close() error
}

var tuSeq atomic.Uint64

// nextTUID hands out the monotonically increasing identity used both as a
// TU's fileno (the adapter-facing identity) and as the total order for lock
// acquisition across TU pairs (see lockOrdered).
func nextTUID() uint64 {
	return tuSeq.Add(1)
}

// TU is a Telephone Unit: one client connection and its FSM state. Every
// transition that touches more than one TU holds both TUs' mutexes, in
// ascending id order, for the duration of the transition — this is the only
// lock discipline in the package that prevents a concurrent dial and hangup
// from observing (or producing) a torn pair of states.
type TU struct {
	id   uint64
	mu   sync.Mutex
	conn Conn

	ext   int
	state State
	peer  *TU

	// callID correlates both sides of a bridged call in structured logs.
	// Set when dial links a pair, cleared when the link is torn down.
	// Never sent to the client.
	callID string

	rc        atomic.Int32
	closeOnce sync.Once

	recorder events.Recorder
}

// NewTU creates a TU bound to conn, holding the adapter's own reference
// (rc=1). The TU starts ON_HOOK and unregistered; it becomes reachable by
// extension only once PBX.Register succeeds.
func NewTU(conn Conn) *TU {
	t := &TU{
		id:       nextTUID(),
		conn:     conn,
		ext:      unsetExtension,
		state:    StateOnHook,
		recorder: events.NoopRecorder{},
	}
	t.rc.Store(1)
	return t
}

// SetRecorder installs a call-event recorder. Must be called before the TU
// is registered; it is not safe to swap concurrently with FSM operations.
func (t *TU) SetRecorder(r events.Recorder) {
	if r == nil {
		r = events.NoopRecorder{}
	}
	t.recorder = r
}

// Fileno returns the TU's stable identity, the Go-idiomatic stand-in for a
// socket fd: monotonically assigned at creation, usable by an adapter as a
// default extension number the way a fd is in the traditional design.
func (t *TU) Fileno() uint64 {
	return t.id
}

// Extension returns the TU's assigned extension, or -1 if none has been
// assigned yet. The value is kept after PBX.Unregister.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ext
}

// State returns the TU's current FSM state.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetExtension assigns ext to the TU. It fails if an extension was already
// assigned — idempotent only to that one failure, never re-settable.
func (t *TU) SetExtension(ext int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ext != unsetExtension {
		return ErrAlreadySet
	}
	t.ext = ext
	return nil
}

// Ref increments the reference count. Safe to call without holding t.mu.
func (t *TU) Ref() {
	t.rc.Add(1)
}

// Unref drops a reference. If the count reaches zero the TU's socket is
// closed exactly once. Safe to call without holding t.mu — the decrement is
// atomic and never requires acquiring the TU's own mutex, so it can never
// race with, or be blocked by, an in-progress FSM transition.
func (t *TU) Unref() {
	if t.rc.Add(-1) == 0 {
		t.closeSocket()
	}
}

func (t *TU) closeSocket() {
	t.closeOnce.Do(func() {
		if err := t.conn.Close(); err != nil {
			slog.Debug("[TU] socket close", "fileno", t.id, "ext", t.ext, "error", err)
		}
	})
}

// lockOrdered acquires a and b's mutexes in ascending id order, or just a's
// if they are the same TU. This is the total lock order that makes
// two-party transitions deadlock-free regardless of which side initiates.
func lockOrdered(a, b *TU) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.id < b.id {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

// unlockOrdered releases in the reverse of lockOrdered's acquisition order.
// Plain sync.Mutex has no release-order requirement, but matching the
// acquisition order keeps the discipline readable at every call site.
func unlockOrdered(a, b *TU) {
	if a == b {
		a.mu.Unlock()
		return
	}
	if a.id < b.id {
		b.mu.Unlock()
		a.mu.Unlock()
	} else {
		a.mu.Unlock()
		b.mu.Unlock()
	}
}

// writeLocked emits the notification line for the TU's current state. Must
// be called with t.mu held; this is what serializes writes to the socket.
func (t *TU) writeLocked() {
	t.writeLine(t.notificationLocked())
}

func (t *TU) notificationLocked() string {
	switch t.state {
	case StateOnHook:
		return fmt.Sprintf("ON HOOK %d", t.ext)
	case StateConnected:
		peerExt := unsetExtension
		if t.peer != nil {
			peerExt = t.peer.ext
		}
		return fmt.Sprintf("CONNECTED %d", peerExt)
	default:
		return t.state.String()
	}
}

func (t *TU) writeChatLocked(text string) {
	t.writeLine("CHAT " + text)
}

func (t *TU) writeLine(s string) {
	if _, err := io.WriteString(t.conn, s+"\r\n"); err != nil {
		slog.Debug("[TU] notification write failed", "ext", t.ext, "error", err)
	}
}

// Pickup implements the "pickup" command. ON_HOOK -> DIAL_TONE is a
// single-TU transition. RINGING -> CONNECTED also connects the peer
// (RING_BACK -> CONNECTED) atomically. Every other state is a no-op that
// re-emits the current state.
func (t *TU) Pickup() {
	t.mu.Lock()
	switch t.state {
	case StateOnHook:
		t.state = StateDialTone
		t.writeLocked()
		ext := t.ext
		t.mu.Unlock()
		slog.Info("[TU] Pickup", "ext", ext, "state", StateDialTone)
		return
	case StateRinging:
		// fall through to the two-party path below
	default:
		t.writeLocked()
		ext, state := t.ext, t.state
		t.mu.Unlock()
		slog.Debug("[TU] Pickup no-op", "ext", ext, "state", state)
		return
	}
	peer := t.peer
	t.mu.Unlock()

	if peer == nil {
		// Invariant violation guard: RINGING must have a peer. Treat
		// defensively as a no-op rather than panicking the connection.
		t.mu.Lock()
		t.writeLocked()
		ext := t.ext
		t.mu.Unlock()
		slog.Warn("[TU] Pickup found RINGING with no peer", "ext", ext)
		return
	}

	lockOrdered(t, peer)
	if t.state != StateRinging || t.peer != peer || peer.peer != t {
		// Raced with a concurrent hangup/unregister between the two
		// observations above; re-validate from scratch.
		unlockOrdered(t, peer)
		t.Pickup()
		return
	}

	t.state = StateConnected
	peer.state = StateConnected
	t.writeLocked()
	peer.writeLocked()
	callID := t.callID
	selfExt, peerExt := t.ext, peer.ext
	unlockOrdered(t, peer)

	slog.Info("[TU] Pickup connected", "ext", selfExt, "peer_ext", peerExt, "call_id", callID)
	t.recorder.Record(events.Builder{CallID: callID, Origin: peer.ext, Target: t.ext}.Connected(time.Now()))
}

// Hangup implements the "hangup" command: a deliberate termination of any
// in-progress call. ON_HOOK/DIAL_TONE/BUSY_SIGNAL/ERROR -> ON_HOOK with no
// peer effect. RINGING/RING_BACK -> both sides ON_HOOK. CONNECTED -> self
// ON_HOOK, peer DIAL_TONE (the peer is still off-hook).
func (t *TU) Hangup() {
	t.mu.Lock()
	peer := t.peer
	if peer == nil {
		t.hangupSoloLocked()
		t.writeLocked()
		ext, state := t.ext, t.state
		t.mu.Unlock()
		slog.Info("[TU] Hangup", "ext", ext, "state", state)
		return
	}
	t.mu.Unlock()

	lockOrdered(t, peer)
	if t.peer != peer || peer.peer != t {
		// The peer link changed between the two observations; fall back
		// to a single-party transition under the pair lock we already hold.
		t.hangupSoloLocked()
		t.writeLocked()
		ext, state := t.ext, t.state
		unlockOrdered(t, peer)
		slog.Debug("[TU] Hangup raced with peer teardown", "ext", ext, "state", state)
		return
	}

	var selfZero, peerZero bool
	callID := t.callID
	switch t.state {
	case StateRinging, StateRingBack:
		t.state = StateOnHook
		peer.state = StateOnHook
	case StateConnected:
		t.state = StateOnHook
		peer.state = StateDialTone
	}
	t.peer, peer.peer = nil, nil
	t.callID, peer.callID = "", ""
	selfZero = t.rc.Add(-1) == 0
	peerZero = peer.rc.Add(-1) == 0
	t.writeLocked()
	peer.writeLocked()
	selfExt, peerExt := t.ext, peer.ext
	peerState := peer.state
	unlockOrdered(t, peer)

	slog.Info("[TU] Hangup", "ext", selfExt, "peer_ext", peerExt, "peer_state", peerState, "call_id", callID)
	t.recorder.Record(events.Builder{CallID: callID, Origin: selfExt, Target: peerExt}.Ended(time.Now()))

	if selfZero {
		t.closeSocket()
	}
	if peerZero {
		peer.closeSocket()
	}
}

// hangupSoloLocked applies the single-party hangup transition. Caller must
// hold t.mu and have already confirmed t.peer == nil.
func (t *TU) hangupSoloLocked() {
	switch t.state {
	case StateDialTone, StateBusySignal, StateError:
		t.state = StateOnHook
	}
}

// Dial implements the "dial <target>" command, invoked only when t is
// DIAL_TONE; any other state is a no-op that re-emits the current state.
// target is nil when the extension resolves to nobody (out of range or
// empty slot): t -> ERROR. A target that is itself, or not ON_HOOK, or
// already peered, yields BUSY_SIGNAL. Otherwise both TUs link: t ->
// RING_BACK, target -> RINGING.
func (t *TU) Dial(target *TU) {
	t.mu.Lock()
	if t.state != StateDialTone {
		t.writeLocked()
		ext, state := t.ext, t.state
		t.mu.Unlock()
		slog.Debug("[TU] Dial no-op", "ext", ext, "state", state)
		return
	}
	t.mu.Unlock()

	if target == nil {
		t.mu.Lock()
		if t.state == StateDialTone {
			t.state = StateError
		}
		t.writeLocked()
		ext := t.ext
		t.mu.Unlock()
		slog.Info("[TU] Dial target unresolved", "ext", ext)
		return
	}

	lockOrdered(t, target)
	defer unlockOrdered(t, target)

	if t.state != StateDialTone {
		// Raced with a concurrent command between the peek above and
		// acquiring both locks.
		t.writeLocked()
		return
	}
	if target == t || target.state != StateOnHook || target.peer != nil {
		t.state = StateBusySignal
		t.writeLocked()
		slog.Info("[TU] Dial busy", "ext", t.ext, "target_ext", target.ext)
		return
	}

	callID := uuid.New().String()
	t.peer, target.peer = target, t
	t.callID, target.callID = callID, callID
	t.rc.Add(1)
	target.rc.Add(1)
	t.state = StateRingBack
	target.state = StateRinging
	t.writeLocked()
	target.writeLocked()

	slog.Info("[TU] Dial", "ext", t.ext, "target_ext", target.ext, "call_id", callID)
	t.recorder.Record(events.Builder{CallID: callID, Origin: t.ext, Target: target.ext}.Started(time.Now()))
}

// Chat implements the "chat <text>" command: only CONNECTED forwards a
// CHAT line to the peer and re-emits CONNECTED <peer-ext> to the sender.
// Every other state is a no-op that re-emits the current state.
func (t *TU) Chat(text string) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.writeLocked()
		ext, state := t.ext, t.state
		t.mu.Unlock()
		slog.Debug("[TU] Chat no-op", "ext", ext, "state", state)
		return
	}
	peer := t.peer
	t.writeLocked()
	ext := t.ext
	t.mu.Unlock()

	if peer == nil {
		return
	}

	peer.mu.Lock()
	delivered := peer.state == StateConnected && peer.peer == t
	if delivered {
		peer.writeChatLocked(text)
	}
	peerExt := peer.ext
	peer.mu.Unlock()

	if delivered {
		slog.Debug("[TU] Chat delivered", "ext", ext, "peer_ext", peerExt)
	}
}

// unregisterTeardown tears down any in-progress call because t is being
// removed from the registry. This is distinct from a Hangup() command: the
// "peer unregisters" column of the FSM table differs from the "hangup"
// column specifically for the RINGING/RING_BACK pair — a caller (RING_BACK)
// whose callee vanishes gets a fresh DIAL_TONE, while a callee (RINGING)
// whose caller vanishes just goes back ON_HOOK — so this cannot reuse
// Hangup()'s transition table.
func (t *TU) unregisterTeardown() {
	t.mu.Lock()
	peer := t.peer
	if peer == nil {
		t.hangupSoloLocked()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	lockOrdered(t, peer)
	defer unlockOrdered(t, peer)

	if t.peer != peer || peer.peer != t {
		// Already torn down by a racing transition; nothing left to do.
		return
	}

	callID := t.callID
	switch t.state {
	case StateRingBack:
		// t was calling (RING_BACK); peer was the callee (RINGING). The
		// caller vanishing mid-ring just drops the attempt: peer goes
		// back on hook.
		peer.state = StateOnHook
	case StateRinging:
		// t was being called (RINGING); peer was the caller (RING_BACK).
		// The caller still has its handset up, so it gets a fresh dial
		// tone rather than being sent back on hook.
		peer.state = StateDialTone
	case StateConnected:
		peer.state = StateDialTone
	}
	t.peer, peer.peer = nil, nil
	t.callID, peer.callID = "", ""
	t.state = StateOnHook
	// Breaking the mutual peer link drops one reference from each side,
	// exactly mirroring the increment Dial made when the link was formed.
	selfZero := t.rc.Add(-1) == 0
	peerZero := peer.rc.Add(-1) == 0
	peer.writeLocked()
	selfExt, peerExt := t.ext, peer.ext

	t.recorder.Record(events.Builder{CallID: callID, Origin: selfExt, Target: peerExt}.Ended(time.Now()))

	if selfZero {
		t.closeSocket()
	}
	if peerZero {
		peer.closeSocket()
	}
}
