package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS ratchet_states (
	peer_pk    TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	desynced   INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	sender_pk       TEXT NOT NULL,
	content         BLOB NOT NULL,
	reply_to        TEXT NOT NULL DEFAULT '',
	media_refs      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	outgoing        INTEGER NOT NULL DEFAULT 0,
	is_read         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_time
	ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS outbox (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL UNIQUE,
	peer_pk       TEXT NOT NULL,
	envelope      BLOB NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_peer_seq
	ON outbox(peer_pk, seq);
`

// Store is the SQLite-backed conversation store. A zero Store is not
// usable; create one with New.
type Store struct {
	db       *sql.DB
	stateKey [32]byte
}

// New opens (creating if necessary) the database at dbPath. stateKey seals
// ratchet state and message bodies at rest; derive it from the identity
// secret with crypto.DeriveStorageKey.
func New(dbPath string, stateKey [32]byte) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("invalid database path")
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"db_path":  dbPath,
	}).Debug("Conversation store opened")

	return &Store{db: db, stateKey: stateKey}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execContext runs a statement and wraps failures so storage errors are
// never mistaken for anything else.
func (s *Store) execContext(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: %s: %w", what, err)
	}
	return nil
}
