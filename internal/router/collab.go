// Package router hosts the message router and the encryption router: the
// orchestration that takes classified stanzas through decryption, state
// updates, persistence, display and notification, and sends outgoing
// messages through the active encryption layer.
package router

import (
	"context"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/crypto/omemo"
	"github.com/meszmate/palaver/internal/message"
	"github.com/meszmate/palaver/internal/wire"
)

// Transport submits outgoing protocol units. Implementations live in the
// session layer; the core never blocks on server acknowledgment.
type Transport interface {
	SendMessage(ctx context.Context, msg *wire.Message) error
	RequestArchive(ctx context.Context, peer jid.JID, afterID string) error
}

// ChatLog persists messages and per-conversation counters. Calls are
// fire-and-forget; the core never reads a message back.
type ChatLog interface {
	LogIncoming(env *message.Envelope) error
	LogOutgoing(peer jid.JID, id, plaintext, replaceID string, enc message.Encryption) error
	// Seen reports whether an archive stable-id was logged before, so MAM
	// replays do not double-log.
	Seen(stanzaID string) bool
	// ArchiveCursor returns the newest known stable-id for peer, the anchor
	// for incremental history requests.
	ArchiveCursor(peer jid.JID) string
	IncrementUnread(peer jid.JID) error
	MarkRead(peer jid.JID) error
}

// Display is the screen collaborator. Handles returned by the append calls
// are opaque to the core and only passed back for corrections and receipt
// marks.
type Display interface {
	Append(peer jid.JID, env *message.Envelope) int64
	AppendOutgoing(peer jid.JID, id, text string, enc message.Encryption) int64
	Correct(handle int64, newText string)
	MarkReceived(handle int64)
	ShowLoading(peer jid.JID) int64
	ResolveLoading(handle int64)
	Notice(peer jid.JID, text string)
}

// Roster answers membership questions. It also serves as the classifier's
// directory.
type Roster interface {
	IsRoomActive(room jid.JID) bool
	InRoster(peer jid.JID) bool
	// RoomNick returns our nickname in a joined room, for mention detection.
	RoomNick(room jid.JID) string
}

// Notifier is told about every routed displayable message so it can beep,
// flash or raise desktop notifications.
type Notifier interface {
	Notify(peer jid.JID, mention, currentWindow bool)
}

// OTRBackend is the call contract of the OTR engine.
type OTRBackend interface {
	SessionActive(peer string) bool
	Start(peer string) ([]string, error)
	End(peer string) []string
	Encrypt(peer, plaintext string) (frames []string, handled bool, err error)
	// Receive reports ended when the peer tore the session down; the caller
	// must clear the conversation's encryption state.
	Receive(peer, payload string) (plaintext string, encrypted, ended bool, toSend []string, err error)
	Ready() bool
}

// PGPBackend is the call contract of the legacy XEP-0027 engine.
type PGPBackend interface {
	Encrypt(peer, plaintext string) (string, error)
	Decrypt(payload string) (string, error)
	HasKey(peer string) bool
	Ready() bool
}

// OXBackend is the call contract of the XEP-0373 engine.
type OXBackend interface {
	Encrypt(peer, plaintext string) (string, error)
	Decrypt(payload string) (string, error)
	HasKey(peer string) bool
	Ready() bool
}

// OMEMOBackend is the call contract of the OMEMO engine.
type OMEMOBackend interface {
	DeviceID() uint32
	HasDevices(peer string) bool
	EncryptFor(peer string, plaintext []byte) (*omemo.EncryptedMessage, error)
	Decrypt(peer string, enc *omemo.EncryptedMessage) (plaintext []byte, trusted bool, err error)
	Ready() bool
}

// Capability names one encryption backend compiled, configured and usable at
// runtime. Dispatch checks capability membership instead of build tags, so a
// single binary carries every backend it was configured with.
type Capability int

const (
	CapOTR Capability = iota
	CapPGP
	CapOX
	CapOMEMO
)

// Capabilities is the set of usable backends.
type Capabilities map[Capability]bool

// Has reports whether the capability is available.
func (c Capabilities) Has(cap Capability) bool { return c[cap] }

// Preferences are the routing-relevant user preferences. Privacy redaction
// lives in the chat log and stranger silencing in the classifier; neither is
// re-checked here.
type Preferences struct {
	// HistoryRetrieval requests archive history when a conversation is first
	// opened by an incoming live message.
	HistoryRetrieval bool
	// OMEMOAutoStart flips a conversation to OMEMO when a live OMEMO message
	// arrives and no other layer is active. Never applied to archive replays.
	OMEMOAutoStart bool
	// RequestReceipts asks for delivery receipts on outgoing chat messages.
	RequestReceipts bool
}
