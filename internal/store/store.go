// Package store persists identities, credentials, channels, messages and
// per-recipient delivery state in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database. Its methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id TEXT PRIMARY KEY,
	kem TEXT NOT NULL,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS credential (
	token_hash BLOB PRIMARY KEY,
	identity_id TEXT NOT NULL REFERENCES identity(id) ON DELETE CASCADE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS channel (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channel_member (
	channel_id TEXT NOT NULL REFERENCES channel(id) ON DELETE CASCADE,
	identity_id TEXT NOT NULL,
	PRIMARY KEY (channel_id, identity_id)
);
CREATE TABLE IF NOT EXISTS message (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	type TEXT NOT NULL,
	envelope BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery (
	message_id TEXT NOT NULL REFERENCES message(id) ON DELETE CASCADE,
	recipient_id TEXT NOT NULL,
	state INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, recipient_id)
);
CREATE INDEX IF NOT EXISTS delivery_pending ON delivery (recipient_id, state);
`

// Open opens or creates a SQLite store at the given path.
// ":memory:" gives a private in-memory database.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		// WAL mode for better concurrent read performance.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
