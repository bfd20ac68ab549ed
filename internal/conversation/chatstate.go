package conversation

import (
	"time"

	"github.com/meszmate/palaver/internal/wire"
)

// Auto-transition delays for our own outgoing typing state.
const (
	pausedAfter   = 10 * time.Second
	inactiveAfter = 2 * time.Minute
	goneAfter     = 10 * time.Minute
)

// StateTracker drives the outgoing chat-state machine for one conversation:
// composing decays to paused, activity decays to inactive and eventually
// gone. The clock is injected so tests can step time explicitly.
type StateTracker struct {
	clock func() time.Time

	state   wire.ChatState
	changed time.Time
}

// NewStateTracker creates a tracker starting in the active state.
func NewStateTracker(clock func() time.Time) *StateTracker {
	if clock == nil {
		clock = time.Now
	}
	return &StateTracker{clock: clock, state: wire.StateActive, changed: clock()}
}

// State returns the current outgoing chat state.
func (t *StateTracker) State() wire.ChatState { return t.state }

// NoteTyping records keyboard activity and returns the state to broadcast,
// or "" when no notification is due.
func (t *StateTracker) NoteTyping() wire.ChatState {
	prev := t.state
	t.state = wire.StateComposing
	t.changed = t.clock()
	if prev != wire.StateComposing {
		return wire.StateComposing
	}
	return ""
}

// NoteSent records that a message went out, resetting to active.
func (t *StateTracker) NoteSent() wire.ChatState {
	t.state = wire.StateActive
	t.changed = t.clock()
	return wire.StateActive
}

// Tick applies time-driven decay and returns the state to broadcast, or ""
// when nothing changed.
func (t *StateTracker) Tick() wire.ChatState {
	idle := t.clock().Sub(t.changed)
	switch t.state {
	case wire.StateComposing:
		if idle >= pausedAfter {
			t.state = wire.StatePaused
			t.changed = t.clock()
			return wire.StatePaused
		}
	case wire.StateActive, wire.StatePaused:
		if idle >= inactiveAfter {
			t.state = wire.StateInactive
			t.changed = t.clock()
			return wire.StateInactive
		}
	case wire.StateInactive:
		if idle >= goneAfter {
			t.state = wire.StateGone
			t.changed = t.clock()
			return wire.StateGone
		}
	}
	return ""
}
