// Package conversation tracks per-peer mutable state: the active encryption
// layer, the pinned resource, the last sent message, typing state, and the
// correction index of the displayed history.
package conversation

import (
	"errors"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/wire"
)

// Mode is the encryption layer active on a conversation. At most one layer
// may be active at a time.
type Mode int

const (
	ModeNone Mode = iota
	ModeOTR
	ModePGP
	ModeOX
	ModeOMEMO
)

// String returns the layer name used in error messages and logs.
func (m Mode) String() string {
	switch m {
	case ModeOTR:
		return "OTR"
	case ModePGP:
		return "PGP"
	case ModeOX:
		return "OX"
	case ModeOMEMO:
		return "OMEMO"
	default:
		return "none"
	}
}

// ErrConflictingEncryption is returned when a second encryption layer would
// be activated while another is still running. The active session has to be
// ended explicitly first; layers are never switched silently.
var ErrConflictingEncryption = errors.New("another encryption session is already active")

// Conversation is the state for one bare peer or room. Instances are owned by
// the Registry and mutated only from the single stanza-processing sequence,
// so the fields carry no locks of their own.
type Conversation struct {
	peer jid.JID
	room bool

	mode Mode

	// resourceOverride pins outgoing messages to one resource once the user
	// targeted it explicitly.
	resourceOverride string

	lastSentID   string
	lastSentText string

	chatState    wire.ChatState
	stateChanged time.Time

	corrections *CorrectionIndex
}

func newConversation(peer jid.JID, room bool) *Conversation {
	return &Conversation{
		peer:        peer.Bare(),
		room:        room,
		chatState:   wire.StateActive,
		corrections: NewCorrectionIndex(),
	}
}

// Peer returns the bare address the conversation is keyed by.
func (c *Conversation) Peer() jid.JID { return c.peer }

// IsRoom reports whether this conversation is a chat room.
func (c *Conversation) IsRoom() bool { return c.room }

// Mode returns the active encryption layer.
func (c *Conversation) Mode() Mode { return c.mode }

// BeginMode activates an encryption layer. Re-activating the current layer is
// a no-op; activating a different layer while one is active fails with
// ErrConflictingEncryption and leaves the state unchanged.
func (c *Conversation) BeginMode(m Mode) error {
	if m == ModeNone {
		return errors.New("use EndMode to deactivate encryption")
	}
	if c.mode == m {
		return nil
	}
	if c.mode != ModeNone {
		return ErrConflictingEncryption
	}
	c.mode = m
	return nil
}

// EndMode deactivates the current layer and returns it.
func (c *Conversation) EndMode() Mode {
	prev := c.mode
	c.mode = ModeNone
	return prev
}

// Resource returns the pinned resource, or "".
func (c *Conversation) Resource() string { return c.resourceOverride }

// PinResource pins outgoing messages to one resource. An empty resource
// restores automatic selection.
func (c *Conversation) PinResource(res string) { c.resourceOverride = res }

// Target returns the full address outgoing messages should use.
func (c *Conversation) Target() jid.JID {
	if c.resourceOverride == "" {
		return c.peer
	}
	full, err := c.peer.WithResource(c.resourceOverride)
	if err != nil {
		return c.peer
	}
	return full
}

// NoteSent records the last accepted outgoing message for later correction.
func (c *Conversation) NoteSent(id, text string) {
	c.lastSentID = id
	c.lastSentText = text
}

// LastSent returns the id and text of the last accepted outgoing message.
func (c *Conversation) LastSent() (id, text string) {
	return c.lastSentID, c.lastSentText
}

// ChatState returns the peer's current typing state.
func (c *Conversation) ChatState() wire.ChatState { return c.chatState }

// SetChatState records a typing-state change at time now.
func (c *Conversation) SetChatState(state wire.ChatState, now time.Time) {
	c.chatState = state
	c.stateChanged = now
}

// Corrections returns the conversation's correction index. The index is
// scoped to this conversation; corrections never cross conversations even if
// ids collide.
func (c *Conversation) Corrections() *CorrectionIndex { return c.corrections }

// Registry owns every conversation, keyed by bare address. Conversations are
// created lazily on first reference.
type Registry struct {
	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{convs: make(map[string]*Conversation)}
}

// Get returns the conversation for peer if one exists.
func (r *Registry) Get(peer jid.JID) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[peer.Bare().String()]
	return c, ok
}

// Ensure returns the conversation for peer, creating it if necessary, and
// reports whether it was created by this call.
func (r *Registry) Ensure(peer jid.JID, room bool) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := peer.Bare().String()
	if c, ok := r.convs[key]; ok {
		return c, false
	}
	c := newConversation(peer, room)
	r.convs[key] = c
	return c, true
}

// Close removes the conversation for peer, releasing its correction index.
func (r *Registry) Close(peer jid.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, peer.Bare().String())
}

// Reset drops every conversation. Called on account disconnect so no stale
// encryption flags survive a reconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = make(map[string]*Conversation)
}

// All returns a snapshot of every open conversation.
func (r *Registry) All() []*Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	return out
}
