// Package sqlite is the persistence layer: the chat log, unread counters,
// archive sync cursors and OMEMO key material, all in one SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/palaver/internal/crypto/omemo"
	"github.com/meszmate/palaver/internal/message"
)

// DB wraps the SQLite handle. It implements the router's chat log and the
// OMEMO key store.
type DB struct {
	db      *sql.DB
	account string

	// redact replaces the stored body of encrypted messages so plaintext
	// never reaches disk.
	redact bool
}

const redactedBody = "[redacted]"

// New opens (or creates) the database under dataDir for the given account.
func New(dataDir, account string, redact bool) (*DB, error) {
	dbPath := filepath.Join(dataDir, "palaver.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db, account: account, redact: redact}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			encryption TEXT NOT NULL DEFAULT 'none',
			kind TEXT NOT NULL DEFAULT 'chat',
			stanza_id TEXT,
			replaces TEXT,
			PRIMARY KEY (account, jid, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_jid ON messages(account, jid)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_stanza_id ON messages(stanza_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,

		`CREATE TABLE IF NOT EXISTS chat_state (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			unread INTEGER DEFAULT 0,
			last_read INTEGER,
			PRIMARY KEY (account, jid)
		)`,

		`CREATE TABLE IF NOT EXISTS mam_sync (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			last_stanza_id TEXT,
			last_synced INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,

		`CREATE TABLE IF NOT EXISTS omemo_identity (
			account TEXT PRIMARY KEY,
			device_id INTEGER NOT NULL,
			private_key BLOB NOT NULL,
			public_key BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS omemo_remote_identities (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			identity_key BLOB NOT NULL,
			trust_level INTEGER DEFAULT 0,
			first_seen INTEGER NOT NULL,
			PRIMARY KEY (account, jid, device_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LogIncoming records one inbound displayable message.
func (d *DB) LogIncoming(env *message.Envelope) error {
	body := env.Plaintext
	if d.redact && env.Encryption != message.EncryptionNone {
		body = redactedBody
	}
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO messages (id, account, jid, body, timestamp, outgoing, encryption, kind, stanza_id, replaces)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		d.messageKey(env.ID), d.account, env.From.Bare().String(), body,
		env.Timestamp.Unix(), env.Encryption.String(), env.Kind.String(),
		nullable(env.StanzaID), nullable(env.ReplaceID),
	)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	if env.StanzaID != "" {
		return d.advanceCursor(env.From.Bare().String(), env.StanzaID)
	}
	return nil
}

// LogOutgoing records one accepted outgoing message.
func (d *DB) LogOutgoing(peer jid.JID, id, plaintext, replaceID string, enc message.Encryption) error {
	body := plaintext
	if d.redact && enc != message.EncryptionNone {
		body = redactedBody
	}
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO messages (id, account, jid, body, timestamp, outgoing, encryption, kind, stanza_id, replaces)
		 VALUES (?, ?, ?, ?, ?, 1, ?, 'chat', NULL, ?)`,
		d.messageKey(id), d.account, peer.Bare().String(), body,
		time.Now().Unix(), enc.String(), nullable(replaceID),
	)
	if err != nil {
		return fmt.Errorf("failed to log outgoing message: %w", err)
	}
	return nil
}

// Seen reports whether a message with the given archive stable-id was logged
// before.
func (d *DB) Seen(stanzaID string) bool {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE account = ? AND stanza_id = ?`,
		d.account, stanzaID,
	).Scan(&n)
	return err == nil && n > 0
}

// ArchiveCursor returns the newest known stable-id for peer, or "".
func (d *DB) ArchiveCursor(peer jid.JID) string {
	var id sql.NullString
	err := d.db.QueryRow(
		`SELECT last_stanza_id FROM mam_sync WHERE account = ? AND jid = ?`,
		d.account, peer.Bare().String(),
	).Scan(&id)
	if err != nil || !id.Valid {
		return ""
	}
	return id.String
}

func (d *DB) advanceCursor(peer, stanzaID string) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO mam_sync (account, jid, last_stanza_id, last_synced)
		 VALUES (?, ?, ?, ?)`,
		d.account, peer, stanzaID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance archive cursor: %w", err)
	}
	return nil
}

// IncrementUnread bumps the unread counter for peer.
func (d *DB) IncrementUnread(peer jid.JID) error {
	_, err := d.db.Exec(
		`INSERT INTO chat_state (account, jid, unread) VALUES (?, ?, 1)
		 ON CONFLICT(account, jid) DO UPDATE SET unread = unread + 1`,
		d.account, peer.Bare().String(),
	)
	if err != nil {
		return fmt.Errorf("failed to increment unread counter: %w", err)
	}
	return nil
}

// MarkRead zeroes the unread counter for peer.
func (d *DB) MarkRead(peer jid.JID) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO chat_state (account, jid, unread, last_read) VALUES (?, ?, 0, ?)`,
		d.account, peer.Bare().String(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

// Unread returns the unread counter for peer.
func (d *DB) Unread(peer jid.JID) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT unread FROM chat_state WHERE account = ? AND jid = ?`,
		d.account, peer.Bare().String(),
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read unread counter: %w", err)
	}
	return n, nil
}

// StoredMessage is one chat log row.
type StoredMessage struct {
	ID         string
	Peer       string
	Body       string
	Timestamp  time.Time
	Outgoing   bool
	Encryption string
	Kind       string
}

// RecentMessages returns the newest limit messages for peer, oldest first.
func (d *DB) RecentMessages(peer jid.JID, limit int) ([]StoredMessage, error) {
	rows, err := d.db.Query(
		`SELECT id, jid, body, timestamp, outgoing, encryption, kind FROM messages
		 WHERE account = ? AND jid = ?
		 ORDER BY timestamp DESC LIMIT ?`,
		d.account, peer.Bare().String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts int64
		if err := rows.Scan(&m.ID, &m.Peer, &m.Body, &ts, &m.Outgoing, &m.Encryption, &m.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveOwnIdentity persists this device's OMEMO identity keypair.
func (d *DB) SaveOwnIdentity(deviceID uint32, priv, pub []byte) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO omemo_identity (account, device_id, private_key, public_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.account, deviceID, priv, pub, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save OMEMO identity: %w", err)
	}
	return nil
}

// LoadOwnIdentity restores this device's OMEMO identity keypair.
func (d *DB) LoadOwnIdentity() (uint32, []byte, []byte, error) {
	var deviceID uint32
	var priv, pub []byte
	err := d.db.QueryRow(
		`SELECT device_id, private_key, public_key FROM omemo_identity WHERE account = ?`,
		d.account,
	).Scan(&deviceID, &priv, &pub)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("no stored OMEMO identity: %w", err)
	}
	return deviceID, priv, pub, nil
}

// SaveIdentity persists a remote device identity and its trust level.
func (d *DB) SaveIdentity(peer string, deviceID uint32, identityKey []byte, trust omemo.TrustLevel) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO omemo_remote_identities (account, jid, device_id, identity_key, trust_level, first_seen)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.account, peer, deviceID, identityKey, int(trust), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save OMEMO identity for %s: %w", peer, err)
	}
	return nil
}

// GetIdentities returns every known device identity for peer.
func (d *DB) GetIdentities(peer string) ([]omemo.Identity, error) {
	rows, err := d.db.Query(
		`SELECT device_id, identity_key, trust_level FROM omemo_remote_identities
		 WHERE account = ? AND jid = ?`,
		d.account, peer,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load OMEMO identities for %s: %w", peer, err)
	}
	defer rows.Close()

	var out []omemo.Identity
	for rows.Next() {
		var id omemo.Identity
		var trust int
		if err := rows.Scan(&id.DeviceID, &id.IdentityKey, &trust); err != nil {
			return nil, fmt.Errorf("failed to scan OMEMO identity: %w", err)
		}
		id.Trust = omemo.TrustLevel(trust)
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetTrust updates the trust level of a remote device identity.
func (d *DB) SetTrust(peer string, deviceID uint32, trust omemo.TrustLevel) error {
	_, err := d.db.Exec(
		`UPDATE omemo_remote_identities SET trust_level = ? WHERE account = ? AND jid = ? AND device_id = ?`,
		int(trust), d.account, peer, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update OMEMO trust for %s: %w", peer, err)
	}
	return nil
}

// messageKey guarantees a non-empty primary key for stanzas without an id.
func (d *DB) messageKey(id string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("anon-%d", time.Now().UnixNano())
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
