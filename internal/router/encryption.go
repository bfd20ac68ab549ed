package router

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/palaver/internal/conversation"
	"github.com/meszmate/palaver/internal/crypto/omemo"
	"github.com/meszmate/palaver/internal/message"
	"github.com/meszmate/palaver/internal/wire"
)

// ErrConflictingEncryption mirrors the conversation-level invariant at the
// router boundary: a second layer can only start after the active one ends.
var ErrConflictingEncryption = conversation.ErrConflictingEncryption

// ErrBackendUnavailable is returned when the requested layer was not
// configured at startup.
var ErrBackendUnavailable = errors.New("encryption backend not available")

// ErrMissingKeyMaterial is returned when our own or the peer's key material
// is absent for the requested layer.
var ErrMissingKeyMaterial = errors.New("missing key material for encryption layer")

// ErrSessionEnded reports that the peer tore down the encryption session. The
// conversation's mode is cleared before this is returned; nothing goes out in
// clear until the user re-establishes a session.
var ErrSessionEnded = errors.New("encryption session ended by peer")

// errDropped signals that an inbound message resolved to nothing displayable
// and must be silently discarded. Internal to the routing pipeline.
var errDropped = errors.New("message dropped")

// PolicyConflictError reports an inbound payload encrypted with a layer other
// than the conversation's active one. It is surfaced to the user, never
// auto-resolved.
type PolicyConflictError struct {
	Active   conversation.Mode
	Incoming message.Encryption
}

// Error implements error.
func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("received %s-encrypted message while %s session is active", e.Incoming, e.Active)
}

// SentInfo describes an accepted outgoing message.
type SentInfo struct {
	ID         string
	Encryption message.Encryption
}

// EncryptionRouter resolves which layer handles each message, inbound and
// outbound, and enforces the single-active-layer invariant. It holds
// references to the backends but never retains conversation references
// across calls.
type EncryptionRouter struct {
	self      jid.JID
	caps      Capabilities
	otr       OTRBackend
	pgp       PGPBackend
	ox        OXBackend
	omemo     OMEMOBackend
	transport Transport
	echo      *message.EchoFilter
	log       *logrus.Entry
}

// EncryptionConfig wires an EncryptionRouter. Nil backends are excluded from
// the capability set regardless of caps.
type EncryptionConfig struct {
	Self      jid.JID
	Caps      Capabilities
	OTR       OTRBackend
	PGP       PGPBackend
	OX        OXBackend
	OMEMO     OMEMOBackend
	Transport Transport
	Echo      *message.EchoFilter
	Log       *logrus.Entry
}

// NewEncryptionRouter builds the router from its configuration.
func NewEncryptionRouter(cfg EncryptionConfig) *EncryptionRouter {
	caps := Capabilities{}
	for cap, ok := range cfg.Caps {
		caps[cap] = ok
	}
	if cfg.OTR == nil {
		caps[CapOTR] = false
	}
	if cfg.PGP == nil {
		caps[CapPGP] = false
	}
	if cfg.OX == nil {
		caps[CapOX] = false
	}
	if cfg.OMEMO == nil {
		caps[CapOMEMO] = false
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EncryptionRouter{
		self:      cfg.Self,
		caps:      caps,
		otr:       cfg.OTR,
		pgp:       cfg.PGP,
		ox:        cfg.OX,
		omemo:     cfg.OMEMO,
		transport: cfg.Transport,
		echo:      cfg.Echo,
		log:       log,
	}
}

// Capabilities returns the active capability set.
func (er *EncryptionRouter) Capabilities() Capabilities { return er.caps }

// Start activates an encryption layer on the conversation. Restarting the
// active layer is a no-op. Any other active layer fails the start with
// ErrConflictingEncryption; the caller is expected to prompt the user to end
// it first. Key material for the layer must exist on both sides before the
// flag flips.
func (er *EncryptionRouter) Start(ctx context.Context, conv *conversation.Conversation, mode conversation.Mode) error {
	peer := conv.Peer().String()

	if conv.Mode() == mode {
		return nil
	}
	if conv.Mode() != conversation.ModeNone {
		return fmt.Errorf("cannot start %s while %s is active: %w", mode, conv.Mode(), ErrConflictingEncryption)
	}

	switch mode {
	case conversation.ModeOTR:
		if !er.caps.Has(CapOTR) {
			return fmt.Errorf("OTR: %w", ErrBackendUnavailable)
		}
		if !er.otr.Ready() {
			return fmt.Errorf("OTR: %w", ErrMissingKeyMaterial)
		}
		frames, err := er.otr.Start(peer)
		if err != nil {
			return fmt.Errorf("starting OTR with %s: %w", peer, err)
		}
		if err := conv.BeginMode(mode); err != nil {
			return err
		}
		// OTR is negotiated on the wire; the peer is notified by the query
		// message. The other layers are unilateral on the sending side.
		for _, frame := range frames {
			if err := er.sendFrame(ctx, conv, frame); err != nil {
				return err
			}
		}
	case conversation.ModePGP:
		if !er.caps.Has(CapPGP) {
			return fmt.Errorf("PGP: %w", ErrBackendUnavailable)
		}
		if !er.pgp.Ready() || !er.pgp.HasKey(peer) {
			return fmt.Errorf("PGP: %w", ErrMissingKeyMaterial)
		}
		if err := conv.BeginMode(mode); err != nil {
			return err
		}
	case conversation.ModeOX:
		if !er.caps.Has(CapOX) {
			return fmt.Errorf("OX: %w", ErrBackendUnavailable)
		}
		if !er.ox.Ready() || !er.ox.HasKey(peer) {
			return fmt.Errorf("OX: %w", ErrMissingKeyMaterial)
		}
		if err := conv.BeginMode(mode); err != nil {
			return err
		}
	case conversation.ModeOMEMO:
		if !er.caps.Has(CapOMEMO) {
			return fmt.Errorf("OMEMO: %w", ErrBackendUnavailable)
		}
		if !er.omemo.Ready() || !er.omemo.HasDevices(peer) {
			return fmt.Errorf("OMEMO: %w", ErrMissingKeyMaterial)
		}
		if err := conv.BeginMode(mode); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown encryption mode %v", mode)
	}

	er.log.WithFields(logrus.Fields{"peer": peer, "mode": mode.String()}).Info("encryption session started")
	return nil
}

// End deactivates the active layer, sending the OTR teardown when needed.
func (er *EncryptionRouter) End(ctx context.Context, conv *conversation.Conversation) error {
	peer := conv.Peer().String()
	prev := conv.EndMode()
	if prev == conversation.ModeOTR && er.otr != nil {
		for _, frame := range er.otr.End(peer) {
			if err := er.sendFrame(ctx, conv, frame); err != nil {
				return err
			}
		}
	}
	if prev != conversation.ModeNone {
		er.log.WithFields(logrus.Fields{"peer": peer, "mode": prev.String()}).Info("encryption session ended")
	}
	return nil
}

// Send routes an outgoing message through the active layer, transmits it and
// records it on the conversation for later correction. Decision order:
// OMEMO, OX, PGP, then OTR which may claim the message opportunistically;
// otherwise the message goes out in clear.
func (er *EncryptionRouter) Send(ctx context.Context, conv *conversation.Conversation, plaintext string, wantReceipt bool, replaceID string) (SentInfo, error) {
	peer := conv.Peer().String()
	id := er.echo.NextID()
	info := SentInfo{ID: id, Encryption: message.EncryptionNone}

	msg := er.newMessage(conv, id, wantReceipt, replaceID)

	switch {
	case conv.Mode() == conversation.ModeOMEMO:
		if !er.caps.Has(CapOMEMO) {
			return info, fmt.Errorf("OMEMO: %w", ErrBackendUnavailable)
		}
		enc, err := er.omemo.EncryptFor(peer, []byte(plaintext))
		if err != nil {
			return info, fmt.Errorf("OMEMO encrypt for %s: %w", peer, err)
		}
		ext, err := omemoToWire(enc)
		if err != nil {
			return info, err
		}
		msg.Extensions = append(msg.Extensions, ext)
		// Fallback body for clients without OMEMO support.
		msg.Body = "I sent you an OMEMO encrypted message but your client doesn't seem to support that."
		info.Encryption = message.EncryptionOMEMO
	case conv.Mode() == conversation.ModeOX:
		if !er.caps.Has(CapOX) {
			return info, fmt.Errorf("OX: %w", ErrBackendUnavailable)
		}
		payload, err := er.ox.Encrypt(peer, plaintext)
		if err != nil {
			return info, fmt.Errorf("OX encrypt for %s: %w", peer, err)
		}
		msg.Extensions = append(msg.Extensions, wire.Extension{
			XMLName: xmlName(wire.NSOX, "openpgp"),
			Inner:   []byte(payload),
		})
		info.Encryption = message.EncryptionOX
	case conv.Mode() == conversation.ModePGP:
		if !er.caps.Has(CapPGP) {
			return info, fmt.Errorf("PGP: %w", ErrBackendUnavailable)
		}
		payload, err := er.pgp.Encrypt(peer, plaintext)
		if err != nil {
			return info, fmt.Errorf("PGP encrypt for %s: %w", peer, err)
		}
		msg.Body = "This message is encrypted."
		msg.Extensions = append(msg.Extensions, wire.Extension{
			XMLName: xmlName(wire.NSPGP, "x"),
			Inner:   []byte(payload),
		})
		info.Encryption = message.EncryptionPGP
	case er.caps.Has(CapOTR) && !conv.IsRoom():
		frames, handled, err := er.otr.Encrypt(peer, plaintext)
		if err != nil {
			return info, fmt.Errorf("OTR encrypt for %s: %w", peer, err)
		}
		if !handled && conv.Mode() == conversation.ModeOTR {
			// The conversation still shows OTR but the engine has no session:
			// the peer tore it down without us catching the teardown. Never
			// downgrade to clear; resync the state and make the user resend.
			conv.EndMode()
			er.log.WithField("peer", peer).Warn("OTR session gone, refusing cleartext send")
			return info, fmt.Errorf("OTR with %s: %w", peer, ErrSessionEnded)
		}
		if handled {
			info.Encryption = message.EncryptionOTR
			for i, frame := range frames {
				out := er.newMessage(conv, id, wantReceipt && i == 0, replaceID)
				out.Body = frame
				if err := er.transport.SendMessage(ctx, out); err != nil {
					return info, fmt.Errorf("sending to %s: %w", peer, err)
				}
			}
			conv.NoteSent(id, plaintext)
			return info, nil
		}
		// Unclaimed: frames[0] is the plaintext, possibly whitespace-tagged.
		msg.Body = plaintext
		if len(frames) == 1 {
			msg.Body = frames[0]
		}
	default:
		msg.Body = plaintext
	}

	if err := er.transport.SendMessage(ctx, msg); err != nil {
		return info, fmt.Errorf("sending to %s: %w", peer, err)
	}
	conv.NoteSent(id, plaintext)
	return info, nil
}

// Receive resolves the inbound envelope's plaintext, encryption tag and
// trust. It mutates env in place. Returns errDropped when nothing is to be
// shown, or a PolicyConflictError when the payload's layer contradicts the
// conversation's active one.
func (er *EncryptionRouter) Receive(ctx context.Context, conv *conversation.Conversation, env *message.Envelope) error {
	peer := conv.Peer().String()

	switch {
	case env.OMEMO != nil:
		if conflict := er.conflict(conv, message.EncryptionOMEMO); conflict != nil {
			return conflict
		}
		if !er.caps.Has(CapOMEMO) {
			er.log.WithField("peer", peer).Debug("OMEMO message but backend unavailable, dropping")
			return errDropped
		}
		enc, err := omemoFromWire(env.OMEMO)
		if err != nil {
			er.log.WithError(err).WithField("peer", peer).Debug("malformed OMEMO envelope, dropping")
			return errDropped
		}
		plaintext, trusted, err := er.omemo.Decrypt(env.From.Bare().String(), enc)
		if err != nil {
			// No plaintext fallback for OMEMO: showing a sibling body for a
			// message that failed to decrypt would be misleading.
			er.log.WithError(err).WithField("peer", peer).Info("OMEMO decryption failed, dropping")
			return errDropped
		}
		env.Plaintext = string(plaintext)
		env.Encryption = message.EncryptionOMEMO
		env.Trusted = trusted

	case env.OXCiphertext != "":
		if conflict := er.conflict(conv, message.EncryptionOX); conflict != nil {
			return conflict
		}
		if !er.caps.Has(CapOX) {
			env.Plaintext = "[unable to decrypt: OpenPGP for XMPP not configured]"
			env.Encryption = message.EncryptionOX
			env.Trusted = false
			return nil
		}
		plaintext, err := er.ox.Decrypt(env.OXCiphertext)
		if err != nil {
			// OX has no plaintext fallback in the protocol; silence would
			// hide a real delivery, so show an explanatory placeholder.
			er.log.WithError(err).WithField("peer", peer).Info("OX decryption failed")
			env.Plaintext = "[unable to decrypt this OpenPGP message]"
			env.Encryption = message.EncryptionOX
			env.Trusted = false
			return nil
		}
		env.Plaintext = plaintext
		env.Encryption = message.EncryptionOX

	case env.PGPCiphertext != "":
		if conflict := er.conflict(conv, message.EncryptionPGP); conflict != nil {
			return conflict
		}
		if !er.caps.Has(CapPGP) {
			return er.pgpFallback(env, peer, errors.New("PGP backend unavailable"))
		}
		plaintext, err := er.pgp.Decrypt(env.PGPCiphertext)
		if err != nil {
			return er.pgpFallback(env, peer, err)
		}
		env.Plaintext = plaintext
		env.Encryption = message.EncryptionPGP

	case er.caps.Has(CapOTR) && env.Kind == message.KindChat && !env.History && !env.Carbon:
		plaintext, encrypted, ended, toSend, err := er.otr.Receive(env.From.Bare().String(), env.Body)
		for _, frame := range toSend {
			if sendErr := er.sendFrame(ctx, conv, frame); sendErr != nil {
				er.log.WithError(sendErr).Warn("failed to deliver OTR protocol response")
			}
		}
		if err != nil {
			er.log.WithError(err).WithField("peer", peer).Info("OTR processing failed, dropping")
			return errDropped
		}
		if ended {
			if conv.Mode() == conversation.ModeOTR {
				conv.EndMode()
			}
			er.log.WithField("peer", peer).Info("OTR session ended by peer")
			return ErrSessionEnded
		}
		if encrypted {
			if conv.Mode() == conversation.ModeNone {
				// OTR establishes itself on the wire; reflect the session.
				_ = conv.BeginMode(conversation.ModeOTR)
			} else if conv.Mode() != conversation.ModeOTR {
				return &PolicyConflictError{Active: conv.Mode(), Incoming: message.EncryptionOTR}
			}
			env.Encryption = message.EncryptionOTR
		}
		env.Plaintext = plaintext
		if env.Plaintext == "" {
			// Protocol-internal OTR traffic carries nothing to display.
			return errDropped
		}

	default:
		env.Plaintext = env.Body
	}

	if env.Plaintext == "" {
		return errDropped
	}
	return nil
}

// conflict checks the inbound layer against the conversation's active one.
func (er *EncryptionRouter) conflict(conv *conversation.Conversation, incoming message.Encryption) error {
	active := conv.Mode()
	if active == conversation.ModeNone {
		return nil
	}
	var incomingMode conversation.Mode
	switch incoming {
	case message.EncryptionOTR:
		incomingMode = conversation.ModeOTR
	case message.EncryptionPGP:
		incomingMode = conversation.ModePGP
	case message.EncryptionOX:
		incomingMode = conversation.ModeOX
	case message.EncryptionOMEMO:
		incomingMode = conversation.ModeOMEMO
	}
	if active != incomingMode {
		return &PolicyConflictError{Active: active, Incoming: incoming}
	}
	return nil
}

// pgpFallback applies the XEP-0027 failure rule: fall back to the plain body
// when present, drop otherwise.
func (er *EncryptionRouter) pgpFallback(env *message.Envelope, peer string, cause error) error {
	if env.Body != "" {
		er.log.WithError(cause).WithField("peer", peer).Info("PGP decryption failed, falling back to plain body")
		env.Plaintext = env.Body
		env.Encryption = message.EncryptionNone
		return nil
	}
	er.log.WithError(cause).WithField("peer", peer).Info("PGP decryption failed with no plain body, dropping")
	return errDropped
}

func (er *EncryptionRouter) newMessage(conv *conversation.Conversation, id string, wantReceipt bool, replaceID string) *wire.Message {
	msg := &wire.Message{}
	msg.ID = id
	msg.To = conv.Target()
	if conv.IsRoom() {
		msg.Type = stanza.GroupChatMessage
	} else {
		msg.Type = stanza.ChatMessage
	}
	msg.Extensions = append(msg.Extensions, wire.OriginIDExt(id))
	if replaceID != "" {
		msg.Extensions = append(msg.Extensions, wire.Replace(replaceID))
	}
	if wantReceipt && !conv.IsRoom() {
		msg.Extensions = append(msg.Extensions, wire.ReceiptRequest())
	}
	if !conv.IsRoom() {
		// Content messages carry the active chat state inline.
		msg.Extensions = append(msg.Extensions, wire.ChatStateExt(wire.StateActive))
	}
	return msg
}

// sendFrame transmits one raw protocol frame (OTR handshake or ciphertext)
// as a bare chat message without self-echo tagging.
func (er *EncryptionRouter) sendFrame(ctx context.Context, conv *conversation.Conversation, frame string) error {
	msg := &wire.Message{}
	msg.ID = wire.GenerateID()
	msg.To = conv.Target()
	msg.Type = stanza.ChatMessage
	msg.Body = frame
	return er.transport.SendMessage(ctx, msg)
}

func omemoToWire(enc *omemo.EncryptedMessage) (wire.Extension, error) {
	payload := wire.OMEMOEncrypted{
		Header: wire.OMEMOHeader{
			SID: enc.SenderDeviceID,
			IV:  hex.EncodeToString(enc.IV),
		},
		Payload: hex.EncodeToString(enc.Payload),
	}
	for rid, key := range enc.Keys {
		payload.Header.Keys = append(payload.Header.Keys, wire.OMEMOKey{
			RID:   rid,
			Value: hex.EncodeToString(key),
		})
	}
	inner, err := marshalOMEMO(&payload)
	if err != nil {
		return wire.Extension{}, fmt.Errorf("marshaling OMEMO envelope: %w", err)
	}
	return wire.Extension{XMLName: xmlName(wire.NSOMEMO, "encrypted"), Inner: inner}, nil
}

func xmlName(space, local string) xml.Name {
	return xml.Name{Space: space, Local: local}
}

// marshalOMEMO renders the envelope's children for use as extension inner
// content; the extension carries the outer element name itself.
func marshalOMEMO(p *wire.OMEMOEncrypted) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeElement(p.Header, xml.StartElement{Name: xml.Name{Local: "header"}}); err != nil {
		return nil, err
	}
	if p.Payload != "" {
		if err := enc.EncodeElement(p.Payload, xml.StartElement{Name: xml.Name{Local: "payload"}}); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func omemoFromWire(payload *wire.OMEMOEncrypted) (*omemo.EncryptedMessage, error) {
	iv, err := hex.DecodeString(payload.Header.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	body, err := hex.DecodeString(payload.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	enc := &omemo.EncryptedMessage{
		SenderDeviceID: payload.Header.SID,
		IV:             iv,
		Payload:        body,
		Keys:           make(map[uint32][]byte),
	}
	for _, key := range payload.Header.Keys {
		raw, err := hex.DecodeString(key.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding key for device %d: %w", key.RID, err)
		}
		enc.Keys[key.RID] = raw
	}
	return enc, nil
}
