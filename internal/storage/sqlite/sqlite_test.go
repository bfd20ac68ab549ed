package sqlite

import (
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/crypto/omemo"
	"github.com/meszmate/palaver/internal/message"
)

func openTestDB(t *testing.T, redact bool) *DB {
	t.Helper()
	db, err := New(t.TempDir(), "alice@example.com", redact)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func incomingEnvelope(id, stanzaID, text string, enc message.Encryption) *message.Envelope {
	return &message.Envelope{
		From:       jid.MustParse("bob@example.com/tablet"),
		Kind:       message.KindChat,
		ID:         id,
		StanzaID:   stanzaID,
		Plaintext:  text,
		Encryption: enc,
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogAndRecall(t *testing.T) {
	db := openTestDB(t, false)
	bob := jid.MustParse("bob@example.com")

	if err := db.LogIncoming(incomingEnvelope("m1", "", "hello", message.EncryptionNone)); err != nil {
		t.Fatalf("LogIncoming failed: %v", err)
	}
	if err := db.LogOutgoing(bob, "m2", "hi back", "", message.EncryptionNone); err != nil {
		t.Fatalf("LogOutgoing failed: %v", err)
	}

	msgs, err := db.RecentMessages(bob, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "hello" || msgs[0].Outgoing {
		t.Errorf("Unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Body != "hi back" || !msgs[1].Outgoing {
		t.Errorf("Unexpected second message: %+v", msgs[1])
	}
}

func TestSeenAndArchiveCursor(t *testing.T) {
	db := openTestDB(t, false)
	bob := jid.MustParse("bob@example.com")

	if db.Seen("arch-1") {
		t.Error("Fresh database should not have seen anything")
	}
	if err := db.LogIncoming(incomingEnvelope("m1", "arch-1", "hello", message.EncryptionNone)); err != nil {
		t.Fatalf("LogIncoming failed: %v", err)
	}
	if !db.Seen("arch-1") {
		t.Error("Stable id should be seen after logging")
	}
	if got := db.ArchiveCursor(bob); got != "arch-1" {
		t.Errorf("Expected cursor arch-1, got %q", got)
	}
}

func TestPrivacyRedaction(t *testing.T) {
	db := openTestDB(t, true)
	bob := jid.MustParse("bob@example.com")

	if err := db.LogIncoming(incomingEnvelope("m1", "", "top secret", message.EncryptionOMEMO)); err != nil {
		t.Fatalf("LogIncoming failed: %v", err)
	}
	if err := db.LogIncoming(incomingEnvelope("m2", "", "public", message.EncryptionNone)); err != nil {
		t.Fatalf("LogIncoming failed: %v", err)
	}

	msgs, err := db.RecentMessages(bob, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	for _, m := range msgs {
		if m.Encryption == "omemo" && m.Body != redactedBody {
			t.Errorf("Encrypted body leaked to disk: %q", m.Body)
		}
		if m.Encryption == "none" && m.Body != "public" {
			t.Errorf("Plain body should not be redacted: %q", m.Body)
		}
	}
}

func TestUnreadCounter(t *testing.T) {
	db := openTestDB(t, false)
	bob := jid.MustParse("bob@example.com")

	for i := 0; i < 3; i++ {
		if err := db.IncrementUnread(bob); err != nil {
			t.Fatalf("IncrementUnread failed: %v", err)
		}
	}
	if n, _ := db.Unread(bob); n != 3 {
		t.Errorf("Expected 3 unread, got %d", n)
	}
	if err := db.MarkRead(bob); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if n, _ := db.Unread(bob); n != 0 {
		t.Errorf("Expected 0 unread after MarkRead, got %d", n)
	}
}

func TestOMEMOIdentityPersistence(t *testing.T) {
	db := openTestDB(t, false)

	if err := db.SaveOwnIdentity(42, []byte("private!"), []byte("public!")); err != nil {
		t.Fatalf("SaveOwnIdentity failed: %v", err)
	}
	id, priv, pub, err := db.LoadOwnIdentity()
	if err != nil {
		t.Fatalf("LoadOwnIdentity failed: %v", err)
	}
	if id != 42 || string(priv) != "private!" || string(pub) != "public!" {
		t.Errorf("Identity round trip mangled: %d %q %q", id, priv, pub)
	}

	if err := db.SaveIdentity("bob@example.com", 7, []byte("bobkey"), omemo.TrustTrusted); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}
	if err := db.SetTrust("bob@example.com", 7, omemo.TrustVerified); err != nil {
		t.Fatalf("SetTrust failed: %v", err)
	}

	idents, err := db.GetIdentities("bob@example.com")
	if err != nil {
		t.Fatalf("GetIdentities failed: %v", err)
	}
	if len(idents) != 1 {
		t.Fatalf("Expected 1 identity, got %d", len(idents))
	}
	if idents[0].DeviceID != 7 || idents[0].Trust != omemo.TrustVerified {
		t.Errorf("Unexpected identity: %+v", idents[0])
	}
}
