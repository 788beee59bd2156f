// Package events models the lifecycle of a bridged call for structured
// observability. It never persists anything and never affects TU/PBX
// behavior — a Recorder only receives events after the FSM transition that
// produced them has already committed.
package events

import (
	"log/slog"
	"time"
)

// Kind identifies the shape of an Event.
type Kind string

const (
	// CallStarted fires when dial links two TUs (RING_BACK/RINGING).
	CallStarted Kind = "call.started"
	// CallConnected fires when the ringing party picks up.
	CallConnected Kind = "call.connected"
	// CallEnded fires when the peer link is torn down, by hangup or by
	// one side unregistering.
	CallEnded Kind = "call.ended"
)

// Event is a single point-in-time call lifecycle record.
type Event struct {
	Kind      Kind
	CallID    string
	Origin    int
	Target    int
	Timestamp time.Time
}

// Recorder receives Events. Implementations must not block the caller for
// long — they run inline on the goroutine driving the FSM transition.
type Recorder interface {
	Record(Event)
}

// SlogRecorder logs every event through the package's structured logger.
// This is the only Recorder wired into the service; the teacher's own NATS
// publisher sketch was never wired into its build either (see DESIGN.md),
// so this expansion doesn't introduce a broker dependency that the rest of
// the corpus never actually used.
type SlogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r SlogRecorder) Record(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("[CallEvent] "+string(e.Kind),
		"call_id", e.CallID,
		"origin", e.Origin,
		"target", e.Target,
	)
}

// NoopRecorder discards every event. Used as the zero-value default so
// nothing in the core package needs a nil check before calling Record.
type NoopRecorder struct{}

// Record implements Recorder.
func (NoopRecorder) Record(Event) {}

// Builder stamps events with a shared correlation ID for one call.
type Builder struct {
	CallID string
	Origin int
	Target int
}

// Started builds a CallStarted event.
func (b Builder) Started(now time.Time) Event {
	return Event{Kind: CallStarted, CallID: b.CallID, Origin: b.Origin, Target: b.Target, Timestamp: now}
}

// Connected builds a CallConnected event.
func (b Builder) Connected(now time.Time) Event {
	return Event{Kind: CallConnected, CallID: b.CallID, Origin: b.Origin, Target: b.Target, Timestamp: now}
}

// Ended builds a CallEnded event.
func (b Builder) Ended(now time.Time) Event {
	return Event{Kind: CallEnded, CallID: b.CallID, Origin: b.Origin, Target: b.Target, Timestamp: now}
}
