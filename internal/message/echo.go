package message

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Echo id layout: a short random nonce, a dash, then a truncated HMAC over
// the nonce keyed by a process-lifetime secret. Any client seeing the id
// (including this one, via carbons or the archive) can only link it back to
// this process if it holds the key.
const (
	echoNonceLen = 7  // nonce chars including the trailing dash
	echoTagLen   = 12 // hex chars of the HMAC tag
)

// EchoFilter recognizes message ids minted by this client instance. It is the
// self-authorship test applied to carbon and archive replays.
type EchoFilter struct {
	key []byte
}

// NewEchoFilter creates a filter with a fresh random key. Ids minted before a
// restart are deliberately not recognized afterwards.
func NewEchoFilter() (*EchoFilter, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating echo filter key: %w", err)
	}
	return &EchoFilter{key: key}, nil
}

// NewEchoFilterWithKey creates a filter with a fixed key. Used by tests.
func NewEchoFilterWithKey(key []byte) *EchoFilter {
	return &EchoFilter{key: key}
}

// NextID mints a new outgoing message id carrying the self-echo tag.
func (f *EchoFilter) NextID() string {
	nonce := make([]byte, (echoNonceLen-1+1)/2)
	rand.Read(nonce)
	prefix := hex.EncodeToString(nonce)[:echoNonceLen-1] + "-"
	return prefix + f.tag(prefix)
}

// IsOurs reports whether the envelope's id was minted by this instance.
// checkOriginID selects the XEP-0359 origin-id slot instead of the protocol
// id. Fails closed on missing, short, or mismatching ids.
func (f *EchoFilter) IsOurs(env *Envelope, checkOriginID bool) bool {
	id := env.ID
	if checkOriginID {
		id = env.OriginID
	}
	return f.matches(id)
}

func (f *EchoFilter) matches(id string) bool {
	if len(id) != echoNonceLen+echoTagLen {
		return false
	}
	want := f.tag(id[:echoNonceLen])
	return hmac.Equal([]byte(want), []byte(id[echoNonceLen:]))
}

func (f *EchoFilter) tag(nonce string) string {
	mac := hmac.New(sha256.New, f.key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))[:echoTagLen]
}
