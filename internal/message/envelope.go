// Package message contains the logical message model: the envelope built from
// a wire stanza, the classifier that decides what a stanza is, and the echo
// filter that recognizes our own reflected messages.
package message

import (
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/wire"
)

// Kind is the category of a chat message.
type Kind int

const (
	KindChat Kind = iota
	KindGroupChat
	KindMucPrivate
	KindError
	KindHeadline
)

// String returns the kind name used in logs and storage.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindGroupChat:
		return "groupchat"
	case KindMucPrivate:
		return "muc-pm"
	case KindError:
		return "error"
	case KindHeadline:
		return "headline"
	default:
		return "unknown"
	}
}

// Encryption is the layer that produced the envelope's plaintext.
type Encryption int

const (
	EncryptionNone Encryption = iota
	EncryptionOTR
	EncryptionPGP
	EncryptionOX
	EncryptionOMEMO
)

// String returns the tag name used in logs and storage.
func (e Encryption) String() string {
	switch e {
	case EncryptionOTR:
		return "otr"
	case EncryptionPGP:
		return "pgp"
	case EncryptionOX:
		return "ox"
	case EncryptionOMEMO:
		return "omemo"
	default:
		return "none"
	}
}

// Envelope is one logical chat message extracted from a stanza. It is built
// field by field by the classifier, decrypted in place by the encryption
// router, and consumed once by the message router.
type Envelope struct {
	From jid.JID
	To   jid.JID
	Kind Kind

	// Protocol id plus the XEP-0359 stable ids. All optional.
	ID       string
	OriginID string
	StanzaID string

	// ReplaceID references the earlier message this one corrects.
	ReplaceID string

	// Body is the plain body element. PGPCiphertext and OXCiphertext hold
	// base64 armor payloads from their respective envelopes; OMEMO holds the
	// OMEMO envelope. Well-behaved peers send at most one encrypted payload.
	Body          string
	PGPCiphertext string
	OXCiphertext  string
	OMEMO         *wire.OMEMOEncrypted

	// Plaintext is the resolved display text after any decryption.
	Plaintext  string
	Encryption Encryption

	Timestamp time.Time

	// Trusted is false when decryption succeeded but the sender identity is
	// not yet trusted.
	Trusted bool

	// History marks archive replays; Carbon marks carbon copies, CarbonSent
	// the sent direction.
	History    bool
	Carbon     bool
	CarbonSent bool

	WantsReceipt bool
}

// Peer returns the bare address the conversation is keyed by.
func (e *Envelope) Peer() jid.JID {
	return e.From.Bare()
}

// Displayable reports whether the envelope resolved to text worth showing.
func (e *Envelope) Displayable() bool {
	return e.Plaintext != ""
}

// Encrypted reports whether any encrypted payload arrived on the wire.
func (e *Envelope) Encrypted() bool {
	return e.PGPCiphertext != "" || e.OXCiphertext != "" || e.OMEMO != nil
}
