package conversation

import (
	"errors"

	"mellium.im/xmpp/jid"
)

// ErrIllicitCorrection is returned when a correction names a message its
// author did not write.
var ErrIllicitCorrection = errors.New("correction author does not match original author")

// ErrUnknownMessage is returned when a correction references an id that was
// never displayed in this conversation.
var ErrUnknownMessage = errors.New("no displayed message with that id")

// Entry links a displayed message to its buffer handle and original author.
type Entry struct {
	Handle int64
	Author jid.JID
	Text   string
}

// CorrectionIndex maps message ids to display entries so a correction can
// mutate the original line in place. Entries live as long as the
// conversation; nothing is evicted.
type CorrectionIndex struct {
	entries map[string]*Entry
}

// NewCorrectionIndex creates an empty index.
func NewCorrectionIndex() *CorrectionIndex {
	return &CorrectionIndex{entries: make(map[string]*Entry)}
}

// Track records a freshly displayed message.
func (ci *CorrectionIndex) Track(id string, handle int64, author jid.JID, text string) {
	if id == "" {
		return
	}
	ci.entries[id] = &Entry{Handle: handle, Author: author.Bare(), Text: text}
}

// Lookup returns the entry for id, if tracked.
func (ci *CorrectionIndex) Lookup(id string) (*Entry, bool) {
	e, ok := ci.entries[id]
	return e, ok
}

// Apply validates and applies a correction from author, returning the display
// handle to rewrite. Same-author re-application with the same text is
// idempotent and not an error.
func (ci *CorrectionIndex) Apply(id string, author jid.JID, newText string) (int64, error) {
	e, ok := ci.entries[id]
	if !ok {
		return 0, ErrUnknownMessage
	}
	if !e.Author.Equal(author.Bare()) {
		return 0, ErrIllicitCorrection
	}
	e.Text = newText
	return e.Handle, nil
}
