// Package store provides the SQLite-backed append-only event store.
//
// The events table is the single source of ground truth. It has exactly one
// write path (Append / AppendRemote) and no update or delete path: SQL
// triggers abort any UPDATE or DELETE against it, so immutability is enforced
// by the storage layer rather than by convention. Sync acknowledgement state
// lives in a side table keyed by event id, which is why marking an event
// synced cannot touch the hashed row.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the diaryd event store.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq                INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id           TEXT NOT NULL UNIQUE,
    record_id          TEXT NOT NULL,
    parent_record_id   TEXT,
    event_type         TEXT NOT NULL CHECK (event_type IN ('recorded', 'deleted')),
    no_event           INTEGER NOT NULL DEFAULT 0,
    unknown_event      INTEGER NOT NULL DEFAULT 0,
    device_id          TEXT NOT NULL,
    user_id            TEXT NOT NULL,
    client_ts_ms       INTEGER NOT NULL,
    client_offset_sec  INTEGER NOT NULL,
    start_ms           INTEGER,
    start_offset_sec   INTEGER,
    start_zone         TEXT NOT NULL DEFAULT '',
    end_ms             INTEGER,
    end_offset_sec     INTEGER,
    end_zone           TEXT NOT NULL DEFAULT '',
    intensity          TEXT,
    notes              TEXT NOT NULL DEFAULT '',
    delete_reason      TEXT NOT NULL DEFAULT '',
    origin             TEXT NOT NULL CHECK (origin IN ('local', 'remote')),
    chain_seq          INTEGER NOT NULL,
    prev_hash          BLOB NOT NULL,
    this_hash          BLOB NOT NULL,
    UNIQUE (device_id, chain_seq)
);

CREATE INDEX IF NOT EXISTS idx_events_record ON events(record_id);
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_record_id);
CREATE INDEX IF NOT EXISTS idx_events_client_ts ON events(client_ts_ms);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id, chain_seq);

CREATE TABLE IF NOT EXISTS sync_state (
    event_id      TEXT PRIMARY KEY REFERENCES events(event_id),
    synced_at_ms  INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS events_no_update
BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;
`

// Store is the per-device event store. All appends are serialized through a
// single-writer mutex because each append reads the chain tail and extends
// it. Reads run concurrently against the WAL-mode database.
type Store struct {
	db *sql.DB

	// mu serializes the read-tail-then-insert critical section of every
	// append. It is never held across network I/O.
	mu sync.Mutex
}

// Open opens or creates the SQLite database at the given path and applies
// the schema. The database runs in WAL mode with synchronous=FULL so a
// committed append is durable on disk before Append returns.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", mapSQLiteErr(err))
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
