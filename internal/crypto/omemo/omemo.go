// Package omemo implements the OMEMO encryption backend: a Curve25519
// identity per device, per-peer-device sessions derived by ECDH, and
// AES-GCM payload encryption with per-device key wrapping.
package omemo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// TrustLevel is the trust assigned to a remote identity.
type TrustLevel int

const (
	TrustUndecided TrustLevel = iota
	TrustTrusted
	TrustUntrusted
	TrustVerified
)

// String returns the trust level name.
func (t TrustLevel) String() string {
	switch t {
	case TrustUndecided:
		return "undecided"
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	case TrustVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Address identifies one remote device.
type Address struct {
	JID      string
	DeviceID uint32
}

// Identity is a remote device identity key with its trust level.
type Identity struct {
	DeviceID    uint32
	IdentityKey []byte
	Trust       TrustLevel
}

// KeyPair is a Curve25519 keypair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// EncryptedMessage is the output of Encrypt: the AES-GCM payload plus one
// wrapped message key per recipient device.
type EncryptedMessage struct {
	SenderDeviceID uint32
	IV             []byte
	Payload        []byte
	Keys           map[uint32][]byte
}

// Store persists identity material across restarts.
type Store interface {
	SaveOwnIdentity(deviceID uint32, priv, pub []byte) error
	LoadOwnIdentity() (deviceID uint32, priv, pub []byte, err error)

	SaveIdentity(jid string, deviceID uint32, identityKey []byte, trust TrustLevel) error
	GetIdentities(jid string) ([]Identity, error)
	SetTrust(jid string, deviceID uint32, trust TrustLevel) error
}

// ErrNoSession is returned when decrypting a message that carries no key for
// this device.
var ErrNoSession = errors.New("message carries no key for this device")

// ErrUntrusted is returned when a sending identity was explicitly distrusted.
var ErrUntrusted = errors.New("sender identity is distrusted")

// Manager holds this device's identity and the known identities of peers.
type Manager struct {
	mu           sync.RWMutex
	deviceID     uint32
	identity     *KeyPair
	identities   map[string]map[uint32]*Identity
	trustOnFirst bool
	store        Store
}

// NewManager loads the device identity from the store, generating and
// persisting a fresh one when none exists. trustOnFirst enables TOFU: unknown
// identities are recorded as trusted the first time they are seen.
func NewManager(store Store, trustOnFirst bool) (*Manager, error) {
	m := &Manager{
		identities:   make(map[string]map[uint32]*Identity),
		trustOnFirst: trustOnFirst,
		store:        store,
	}

	if store != nil {
		if id, priv, pub, err := store.LoadOwnIdentity(); err == nil && len(priv) == 32 {
			m.deviceID = id
			m.identity = &KeyPair{Private: priv, Public: pub}
			return m, nil
		}
	}

	pair, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating OMEMO identity: %w", err)
	}
	m.identity = pair

	var idb [4]byte
	if _, err := rand.Read(idb[:]); err != nil {
		return nil, fmt.Errorf("generating device id: %w", err)
	}
	m.deviceID = uint32(idb[0])<<24 | uint32(idb[1])<<16 | uint32(idb[2])<<8 | uint32(idb[3])

	if store != nil {
		if err := store.SaveOwnIdentity(m.deviceID, pair.Private, pair.Public); err != nil {
			return nil, fmt.Errorf("persisting OMEMO identity: %w", err)
		}
	}
	return m, nil
}

// DeviceID returns this device's id.
func (m *Manager) DeviceID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID
}

// IdentityKey returns this device's public identity key.
func (m *Manager) IdentityKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.identity.Public...)
}

// Ready reports whether an identity has been generated.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity != nil
}

// AddIdentity records a device identity announced by peer. Under TOFU an
// unseen identity becomes trusted; a changed key for a known device becomes
// undecided and must be re-verified.
func (m *Manager) AddIdentity(jid string, deviceID uint32, identityKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devs, ok := m.identities[jid]
	if !ok {
		devs = make(map[uint32]*Identity)
		m.identities[jid] = devs
	}

	trust := TrustUndecided
	if existing, seen := devs[deviceID]; seen {
		if string(existing.IdentityKey) == string(identityKey) {
			return nil
		}
		// Key changed for a known device: never silently re-trust.
		trust = TrustUndecided
	} else if m.trustOnFirst {
		trust = TrustTrusted
	}

	devs[deviceID] = &Identity{DeviceID: deviceID, IdentityKey: identityKey, Trust: trust}
	if m.store != nil {
		return m.store.SaveIdentity(jid, deviceID, identityKey, trust)
	}
	return nil
}

// SetTrust changes the trust level of a device identity.
func (m *Manager) SetTrust(jid string, deviceID uint32, trust TrustLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	devs := m.identities[jid]
	if devs == nil || devs[deviceID] == nil {
		return fmt.Errorf("no identity for %s device %d", jid, deviceID)
	}
	devs[deviceID].Trust = trust
	if m.store != nil {
		return m.store.SetTrust(jid, deviceID, trust)
	}
	return nil
}

// Devices returns the known device identities for peer.
func (m *Manager) Devices(jid string) []Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Identity
	for _, ident := range m.identities[jid] {
		out = append(out, *ident)
	}
	return out
}

// HasDevices reports whether peer has published at least one usable device.
func (m *Manager) HasDevices(jid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ident := range m.identities[jid] {
		if ident.Trust != TrustUntrusted {
			return true
		}
	}
	return false
}

// Encrypt encrypts plaintext for every given device. A random message key
// encrypts the payload; the message key is wrapped once per device under the
// ECDH-derived session key. Distrusted devices are skipped.
func (m *Manager) Encrypt(plaintext []byte, devices ...Address) (*EncryptedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgKey := make([]byte, 32)
	if _, err := rand.Read(msgKey); err != nil {
		return nil, fmt.Errorf("generating message key: %w", err)
	}
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	payload, err := sealGCM(msgKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	enc := &EncryptedMessage{
		SenderDeviceID: m.deviceID,
		IV:             iv,
		Payload:        payload,
		Keys:           make(map[uint32][]byte),
	}

	for _, dev := range devices {
		ident := m.identityFor(dev.JID, dev.DeviceID)
		if ident == nil || ident.Trust == TrustUntrusted {
			continue
		}
		sessionKey, err := m.sessionKey(ident.IdentityKey)
		if err != nil {
			return nil, err
		}
		wrapped, err := wrapKey(sessionKey, msgKey)
		if err != nil {
			return nil, err
		}
		enc.Keys[dev.DeviceID] = wrapped
	}

	if len(enc.Keys) == 0 {
		return nil, errors.New("no trusted devices to encrypt to")
	}
	return enc, nil
}

// EncryptFor encrypts plaintext for every known device of peer.
func (m *Manager) EncryptFor(peer string, plaintext []byte) (*EncryptedMessage, error) {
	var addrs []Address
	for _, ident := range m.Devices(peer) {
		addrs = append(addrs, Address{JID: peer, DeviceID: ident.DeviceID})
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no OMEMO devices known for %s", peer)
	}
	return m.Encrypt(plaintext, addrs...)
}

// Decrypt unwraps the key addressed to this device and decrypts the payload.
// trusted is false when the sender identity is known but not yet trusted or
// verified.
func (m *Manager) Decrypt(fromJID string, enc *EncryptedMessage) (plaintext []byte, trusted bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wrapped, ok := enc.Keys[m.deviceID]
	if !ok {
		return nil, false, ErrNoSession
	}

	ident := m.identityFor(fromJID, enc.SenderDeviceID)
	if ident == nil {
		return nil, false, fmt.Errorf("unknown sender identity %s device %d", fromJID, enc.SenderDeviceID)
	}
	if ident.Trust == TrustUntrusted {
		return nil, false, ErrUntrusted
	}

	sessionKey, err := m.sessionKey(ident.IdentityKey)
	if err != nil {
		return nil, false, err
	}
	msgKey, err := unwrapKey(sessionKey, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("unwrapping message key: %w", err)
	}
	plaintext, err = openGCM(msgKey, enc.IV, enc.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("decrypting payload: %w", err)
	}

	trusted = ident.Trust == TrustTrusted || ident.Trust == TrustVerified
	return plaintext, trusted, nil
}

func (m *Manager) identityFor(jid string, deviceID uint32) *Identity {
	devs := m.identities[jid]
	if devs == nil {
		return nil
	}
	return devs[deviceID]
}

// sessionKey derives a symmetric key from our identity and the remote
// identity via X25519 and HKDF-SHA256.
func (m *Manager) sessionKey(theirPublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(m.identity.Private, theirPublic)
	if err != nil {
		return nil, fmt.Errorf("deriving shared secret: %w", err)
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("OMEMO session key"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("expanding session key: %w", err)
	}
	return key, nil
}

func generateKeyPair() (*KeyPair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// wrapKey encrypts a message key under a session key. The nonce is prepended
// to the ciphertext.
func wrapKey(sessionKey, msgKey []byte) ([]byte, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed, err := sealGCM(sessionKey, nonce, msgKey)
	if err != nil {
		return nil, err
	}
	return append(nonce, sealed...), nil
}

func unwrapKey(sessionKey, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 12 {
		return nil, errors.New("wrapped key too short")
	}
	return openGCM(sessionKey, wrapped[:12], wrapped[12:])
}

func sealGCM(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func openGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
