package conversation

import (
	"errors"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/wire"
)

func TestBeginModeMutualExclusion(t *testing.T) {
	reg := NewRegistry()
	conv, _ := reg.Ensure(jid.MustParse("bob@example.com"), false)

	if err := conv.BeginMode(ModeOTR); err != nil {
		t.Fatalf("Starting OTR on a clean conversation failed: %v", err)
	}
	if err := conv.BeginMode(ModeOTR); err != nil {
		t.Errorf("Restarting the active layer must be a no-op, got %v", err)
	}
	if err := conv.BeginMode(ModeOMEMO); !errors.Is(err, ErrConflictingEncryption) {
		t.Errorf("Expected ErrConflictingEncryption, got %v", err)
	}
	if conv.Mode() != ModeOTR {
		t.Errorf("Failed activation must not change state, mode is %v", conv.Mode())
	}

	if prev := conv.EndMode(); prev != ModeOTR {
		t.Errorf("EndMode returned %v", prev)
	}
	if err := conv.BeginMode(ModeOMEMO); err != nil {
		t.Errorf("Starting after explicit end failed: %v", err)
	}
}

func TestPinResource(t *testing.T) {
	reg := NewRegistry()
	conv, _ := reg.Ensure(jid.MustParse("bob@example.com/tablet"), false)

	if conv.Target().String() != "bob@example.com" {
		t.Errorf("Default target should be bare, got %s", conv.Target())
	}

	conv.PinResource("tablet")
	if conv.Target().String() != "bob@example.com/tablet" {
		t.Errorf("Pinned target wrong: %s", conv.Target())
	}

	conv.PinResource("")
	if conv.Target().String() != "bob@example.com" {
		t.Errorf("Unpinning should restore bare target, got %s", conv.Target())
	}
}

func TestRegistryEnsureAndReset(t *testing.T) {
	reg := NewRegistry()
	peer := jid.MustParse("bob@example.com/desk")

	conv, created := reg.Ensure(peer, false)
	if !created {
		t.Error("First Ensure should create")
	}
	again, created := reg.Ensure(jid.MustParse("bob@example.com/phone"), false)
	if created {
		t.Error("Second Ensure for the same bare address should not create")
	}
	if conv != again {
		t.Error("Ensure must key by bare address")
	}

	if err := conv.BeginMode(ModePGP); err != nil {
		t.Fatalf("BeginMode failed: %v", err)
	}
	reg.Reset()
	fresh, created := reg.Ensure(peer, false)
	if !created {
		t.Error("Ensure after Reset should create")
	}
	if fresh.Mode() != ModeNone {
		t.Error("Reset must not leak encryption state")
	}
}

func TestCorrectionAuthorization(t *testing.T) {
	ci := NewCorrectionIndex()
	bob := jid.MustParse("bob@example.com/tablet")
	mallory := jid.MustParse("mallory@evil.example/x")

	ci.Track("m1", 7, bob, "helo")

	if _, err := ci.Apply("m1", mallory, "send money"); !errors.Is(err, ErrIllicitCorrection) {
		t.Errorf("Expected ErrIllicitCorrection, got %v", err)
	}
	if e, _ := ci.Lookup("m1"); e.Text != "helo" {
		t.Errorf("Rejected correction must not mutate the entry, text is %q", e.Text)
	}

	handle, err := ci.Apply("m1", jid.MustParse("bob@example.com/phone"), "hello")
	if err != nil {
		t.Fatalf("Same bare address from another resource must be allowed: %v", err)
	}
	if handle != 7 {
		t.Errorf("Unexpected handle: %d", handle)
	}

	// Re-application of the same correction is idempotent.
	if _, err := ci.Apply("m1", bob, "hello"); err != nil {
		t.Errorf("Idempotent re-application failed: %v", err)
	}
	if e, _ := ci.Lookup("m1"); e.Text != "hello" {
		t.Errorf("Correction not applied, text is %q", e.Text)
	}
}

func TestCorrectionUnknownID(t *testing.T) {
	ci := NewCorrectionIndex()
	if _, err := ci.Apply("ghost", jid.MustParse("bob@example.com"), "new"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Expected ErrUnknownMessage, got %v", err)
	}
}

func TestCorrectionIndexIsPerConversation(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.Ensure(jid.MustParse("bob@example.com"), false)
	b, _ := reg.Ensure(jid.MustParse("carol@example.com"), false)

	a.Corrections().Track("shared-id", 1, jid.MustParse("bob@example.com"), "in a")

	if _, err := b.Corrections().Apply("shared-id", jid.MustParse("carol@example.com"), "x"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Correction must not cross conversations, got %v", err)
	}
}

func TestStateTrackerDecay(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewStateTracker(func() time.Time { return now })

	if got := tr.NoteTyping(); got != wire.StateComposing {
		t.Errorf("First keystroke should broadcast composing, got %q", got)
	}
	if got := tr.NoteTyping(); got != "" {
		t.Errorf("Repeated keystrokes should stay silent, got %q", got)
	}

	now = now.Add(pausedAfter)
	if got := tr.Tick(); got != wire.StatePaused {
		t.Errorf("Expected paused after idle, got %q", got)
	}

	now = now.Add(inactiveAfter)
	if got := tr.Tick(); got != wire.StateInactive {
		t.Errorf("Expected inactive, got %q", got)
	}

	now = now.Add(goneAfter)
	if got := tr.Tick(); got != wire.StateGone {
		t.Errorf("Expected gone, got %q", got)
	}

	if got := tr.NoteSent(); got != wire.StateActive {
		t.Errorf("Sending should reset to active, got %q", got)
	}
}
