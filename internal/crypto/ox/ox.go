// Package ox implements the modern OpenPGP for XMPP backend (XEP-0373). The
// transported unit is a base64 OpenPGP message whose plaintext is a signcrypt
// element wrapping the real body.
package ox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/openpgp"
	// Registers RIPEMD160 in the crypto hash registry; openpgp falls back to
	// it for keys without a preferred-hash subpacket.
	_ "golang.org/x/crypto/ripemd160"
)

// ErrNoRecipientKey is returned when no public key is known for the peer.
var ErrNoRecipientKey = errors.New("no OX public key for recipient")

// ErrNoPrivateKey is returned when no decryption key is configured.
var ErrNoPrivateKey = errors.New("no OX private key configured")

// Signcrypt is the XEP-0373 content element carried inside the OpenPGP
// message.
type Signcrypt struct {
	XMLName xml.Name `xml:"urn:xmpp:openpgp:0 signcrypt"`
	To      []struct {
		JID string `xml:"jid,attr"`
	} `xml:"to"`
	Time struct {
		Stamp string `xml:"stamp,attr"`
	} `xml:"time"`
	Rpad    string `xml:"rpad,omitempty"`
	Payload struct {
		Body string `xml:"jabber:client body"`
	} `xml:"payload"`
}

// Manager holds our own keypair and peer public keys, keyed by bare address.
type Manager struct {
	mu    sync.RWMutex
	own   *openpgp.Entity
	peers map[string]*openpgp.Entity
}

// NewManager creates an empty manager; keys are loaded separately.
func NewManager() *Manager {
	return &Manager{peers: make(map[string]*openpgp.Entity)}
}

// LoadPrivateKey reads an armored keyring and keeps the first entity with a
// private key.
func (m *Manager) LoadPrivateKey(r io.Reader) error {
	ring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("reading OX private keyring: %w", err)
	}
	for _, ent := range ring {
		if ent.PrivateKey != nil {
			m.mu.Lock()
			m.own = ent
			m.mu.Unlock()
			return nil
		}
	}
	return errors.New("no private key in OX keyring")
}

// AddPublicKey reads an armored public key announced by peer.
func (m *Manager) AddPublicKey(peer string, r io.Reader) error {
	ring, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("reading OX public key for %s: %w", peer, err)
	}
	if len(ring) == 0 {
		return fmt.Errorf("no OX key found for %s", peer)
	}
	m.mu.Lock()
	m.peers[peer] = ring[0]
	m.mu.Unlock()
	return nil
}

// HasKey reports whether peer has published a usable key.
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

// Encrypt signcrypts plaintext for peer and returns the base64 payload for
// the openpgp element.
func (m *Manager) Encrypt(peer, plaintext string) (string, error) {
	m.mu.RLock()
	to := m.peers[peer]
	own := m.own
	m.mu.RUnlock()

	if to == nil {
		return "", ErrNoRecipientKey
	}
	if own == nil {
		return "", ErrNoPrivateKey
	}

	sc := Signcrypt{}
	sc.To = append(sc.To, struct {
		JID string `xml:"jid,attr"`
	}{JID: peer})
	sc.Time.Stamp = time.Now().UTC().Format(time.RFC3339)
	sc.Rpad = randomPadding()
	sc.Payload.Body = plaintext

	content, err := xml.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("marshaling signcrypt element: %w", err)
	}

	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, []*openpgp.Entity{to}, own, nil, nil)
	if err != nil {
		return "", fmt.Errorf("OX encrypt for %s: %w", peer, err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return "", fmt.Errorf("OX encrypt for %s: %w", peer, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("OX encrypt for %s: %w", peer, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt unwraps a base64 OpenPGP payload and returns the body text of the
// inner signcrypt element.
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
		return "", fmt.Errorf("decoding OX payload: %w", err)
	}

	ring := append(openpgp.EntityList{own}, peers...)
	md, err := openpgp.ReadMessage(bytes.NewReader(raw), ring, nil, nil)
	if err != nil {
		return "", fmt.Errorf("OX decrypt: %w", err)
	}
	content, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", fmt.Errorf("OX decrypt: %w", err)
	}

	var sc Signcrypt
	if err := xml.Unmarshal(content, &sc); err != nil {
		return "", fmt.Errorf("malformed signcrypt element: %w", err)
	}
	return sc.Payload.Body, nil
}

// randomPadding hides the true length of short messages.
func randomPadding() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
