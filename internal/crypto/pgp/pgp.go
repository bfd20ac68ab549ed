// Package pgp implements the legacy XEP-0027 encryption backend on top of
// golang.org/x/crypto/openpgp. Message bodies travel as bare radix64 inside
// the jabber:x:encrypted element, without armor headers.
package pgp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/openpgp"
	// Registers RIPEMD160 in the crypto hash registry; openpgp falls back to
	// it for keys without a preferred-hash subpacket.
	_ "golang.org/x/crypto/ripemd160"
)

// ErrNoRecipientKey is returned when no public key is known for the peer.
var ErrNoRecipientKey = errors.New("no public key for recipient")

// ErrNoPrivateKey is returned when no decryption key is configured.
var ErrNoPrivateKey = errors.New("no private key configured")

// Manager holds our own keypair and the public keys of peers, keyed by bare
// address.
type Manager struct {
	mu    sync.RWMutex
	own   *openpgp.Entity
	peers map[string]*openpgp.Entity
	trust map[string]bool
}

// NewManager creates an empty manager; keys are loaded separately.
func NewManager() *Manager {
	return &Manager{
		peers: make(map[string]*openpgp.Entity),
		trust: make(map[string]bool),
	}
}

// LoadPrivateKey reads an armored keyring and selects the entity matching
// keyID (short or long hex id, case-insensitive). An empty keyID selects the
// first entity carrying a private key.
func (m *Manager) LoadPrivateKey(r io.Reader, keyID string) error {
	ring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("reading private keyring: %w", err)
	}
	keyID = strings.ToUpper(keyID)
	for _, ent := range ring {
		if ent.PrivateKey == nil {
			continue
		}
		id := fmt.Sprintf("%016X", ent.PrimaryKey.KeyId)
		if keyID == "" || strings.HasSuffix(id, keyID) {
			m.mu.Lock()
			m.own = ent
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("no private key matching id %q in keyring", keyID)
}

// AddPublicKey reads an armored public key for peer.
func (m *Manager) AddPublicKey(peer string, r io.Reader) error {
	ring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("reading public key for %s: %w", peer, err)
	}
	if len(ring) == 0 {
		return fmt.Errorf("no key found for %s", peer)
	}
	m.mu.Lock()
	m.peers[peer] = ring[0]
	m.mu.Unlock()
	return nil
}

// HasKey reports whether a public key is known for peer.
func (m *Manager) HasKey(peer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[peer] != nil
}

// Ready reports whether our own key material is loaded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.own != nil
}

// KeyID returns our own long key id in hex, or "".
func (m *Manager) KeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.own == nil {
		return ""
	}
	return fmt.Sprintf("%016X", m.own.PrimaryKey.KeyId)
}

// Trust marks the peer's key as trusted.
func (m *Manager) Trust(peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[peer] == nil {
		return ErrNoRecipientKey
	}
	m.trust[peer] = true
	return nil
}

// Trusted reports whether the peer's key is trusted.
func (m *Manager) Trusted(peer string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trust[peer]
}

// Encrypt encrypts and signs plaintext for peer and returns the radix64
// payload for the jabber:x:encrypted element.
func (m *Manager) Encrypt(peer, plaintext string) (string, error) {
	m.mu.RLock()
	to := m.peers[peer]
	signed := m.own
	m.mu.RUnlock()

	if to == nil {
		return "", ErrNoRecipientKey
	}

	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, []*openpgp.Entity{to}, signed, nil, nil)
	if err != nil {
		return "", fmt.Errorf("PGP encrypt for %s: %w", peer, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		w.Close()
		return "", fmt.Errorf("PGP encrypt for %s: %w", peer, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("PGP encrypt for %s: %w", peer, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt decrypts a radix64 payload with our private key.
func (m *Manager) Decrypt(payload string) (string, error) {
	m.mu.RLock()
	own := m.own
	peers := make([]*openpgp.Entity, 0, len(m.peers))
	for _, ent := range m.peers {
		peers = append(peers, ent)
	}
	m.mu.RUnlock()

	if own == nil {
		return "", ErrNoPrivateKey
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", fmt.Errorf("decoding PGP payload: %w", err)
	}

	ring := append(openpgp.EntityList{own}, peers...)
	md, err := openpgp.ReadMessage(bytes.NewReader(raw), ring, nil, nil)
	if err != nil {
		return "", fmt.Errorf("PGP decrypt: %w", err)
	}
	body, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", fmt.Errorf("PGP decrypt: %w", err)
	}
	return string(body), nil
}
