// Package otr wraps the OTR protocol engine from golang.org/x/crypto/otr
// behind the session-per-peer surface the encryption router expects.
package otr

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/otr"
)

// Policy controls when OTR claims outgoing messages.
type Policy int

const (
	PolicyNever Policy = iota
	PolicyManual
	PolicyOpportunistic
	PolicyAlways
)

// ParsePolicy maps a configuration string to a policy, defaulting to
// opportunistic.
func ParsePolicy(s string) Policy {
	switch s {
	case "never":
		return PolicyNever
	case "manual":
		return PolicyManual
	case "always":
		return PolicyAlways
	default:
		return PolicyOpportunistic
	}
}

// whitespaceTag advertises OTR support inside an otherwise plain message.
// See "Tagged plaintext messages" in the OTR v3 protocol description.
var whitespaceTag = "\x20\x09\x20\x20\x09\x09\x09\x09\x20\x09\x20\x09\x20\x09\x20\x20" +
	"\x20\x20\x09\x09\x20\x20\x09\x20"

// ErrNoSession is returned when policy requires encryption but no session is
// established with the peer.
var ErrNoSession = errors.New("no encrypted OTR session")

// Manager holds one OTR conversation per peer bare address.
type Manager struct {
	mu            sync.Mutex
	privateKey    *otr.PrivateKey
	conversations map[string]*otr.Conversation
	verified      map[string]bool
	policy        Policy
}

// NewManager generates a fresh long-term key and returns a manager with the
// given policy.
func NewManager(policy Policy) (*Manager, error) {
	priv := new(otr.PrivateKey)
	priv.Generate(rand.Reader)
	return &Manager{
		privateKey:    priv,
		conversations: make(map[string]*otr.Conversation),
		verified:      make(map[string]bool),
		policy:        policy,
	}, nil
}

// LoadKey replaces the long-term key with a previously serialized one.
func (m *Manager) LoadKey(serialized []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	priv := new(otr.PrivateKey)
	if _, ok := priv.Parse(serialized); !ok {
		return errors.New("malformed OTR private key")
	}
	m.privateKey = priv
	return nil
}

// SerializeKey returns the long-term key in storable form.
func (m *Manager) SerializeKey() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.privateKey.Serialize(nil)
}

// Ready reports whether key material is loaded.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.privateKey != nil
}

// Policy returns the configured policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

func (m *Manager) conversation(peer string) *otr.Conversation {
	conv, ok := m.conversations[peer]
	if !ok {
		conv = &otr.Conversation{PrivateKey: m.privateKey}
		m.conversations[peer] = conv
	}
	return conv
}

// SessionActive reports whether an encrypted session is running with peer.
func (m *Manager) SessionActive(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[peer]
	return ok && conv.IsEncrypted()
}

// Start returns the protocol messages that initiate a session with peer.
func (m *Manager) Start(peer string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.privateKey == nil {
		return nil, errors.New("no OTR key loaded")
	}
	m.conversation(peer)
	return []string{otr.QueryMessage}, nil
}

// End tears down the session with peer and returns the protocol messages to
// deliver the teardown.
func (m *Manager) End(peer string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[peer]
	if !ok {
		return nil
	}
	frames := conv.End()
	delete(m.conversations, peer)
	delete(m.verified, peer)
	return framesToStrings(frames)
}

// Encrypt offers plaintext to OTR. When a session is established the message
// is claimed: the returned frames are ciphertext and handled is true. Under
// the opportunistic policy an unclaimed message goes out with the whitespace
// tag appended; otherwise it is returned untouched.
func (m *Manager) Encrypt(peer, plaintext string) (frames []string, handled bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[peer]
	if ok && conv.IsEncrypted() {
		out, err := conv.Send([]byte(plaintext))
		if err != nil {
			return nil, false, fmt.Errorf("OTR encrypt for %s: %w", peer, err)
		}
		return framesToStrings(out), true, nil
	}

	switch m.policy {
	case PolicyAlways:
		return nil, false, ErrNoSession
	case PolicyOpportunistic:
		return []string{plaintext + whitespaceTag}, false, nil
	default:
		return []string{plaintext}, false, nil
	}
}

// Receive feeds an inbound payload through the protocol engine. plaintext is
// the resolved text (possibly empty for protocol-internal messages),
// encrypted reports whether it arrived under an established session, ended
// reports a peer-initiated teardown, and toSend carries any protocol
// responses that must go back to the peer.
func (m *Manager) Receive(peer, payload string) (plaintext string, encrypted, ended bool, toSend []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.conversation(peer)
	out, enc, change, frames, err := conv.Receive([]byte(payload))
	if err != nil {
		return "", false, false, framesToStrings(frames), fmt.Errorf("OTR receive from %s: %w", peer, err)
	}
	if change == otr.ConversationEnded {
		delete(m.conversations, peer)
		delete(m.verified, peer)
		return "", false, true, framesToStrings(frames), nil
	}
	return string(out), enc, false, framesToStrings(frames), nil
}

// Fingerprint returns the hex fingerprint of our long-term key.
func (m *Manager) Fingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hex.EncodeToString(m.privateKey.PublicKey.Fingerprint())
}

// PeerFingerprint returns the hex fingerprint of the peer's key, or "" when
// no key has been seen.
func (m *Manager) PeerFingerprint(peer string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[peer]
	if !ok || !conv.IsEncrypted() {
		return ""
	}
	return hex.EncodeToString(conv.TheirPublicKey.Fingerprint())
}

// Verify marks the peer's current fingerprint as verified.
func (m *Manager) Verify(peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[peer]; !ok {
		return errors.New("no OTR conversation with peer")
	}
	m.verified[peer] = true
	return nil
}

// Verified reports whether the peer's fingerprint has been verified.
func (m *Manager) Verified(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified[peer]
}

func framesToStrings(frames [][]byte) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, string(f))
	}
	return out
}
