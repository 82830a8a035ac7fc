// Package sink implements the remote event sink the diary clients sync
// against: an insert-only event table with dedupe by event id, server-side
// conflict detection for concurrent revisions, and the bulk upload/download
// HTTP API.
package sink

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"diaryd/internal/event"
	syncpkg "diaryd/internal/sync"
)

// Server-side schema. The events table is insert-only, mirrored by the same
// triggers the client store uses; conflicts are working data for the
// resolution workflow and may be updated.
const storageSchema = `
CREATE TABLE IF NOT EXISTS events (
    server_seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id          TEXT NOT NULL UNIQUE,
    record_id         TEXT NOT NULL,
    parent_record_id  TEXT,
    device_id         TEXT NOT NULL,
    user_id           TEXT NOT NULL,
    event_type        TEXT NOT NULL,
    payload           TEXT NOT NULL,
    received_at_ms    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sink_events_parent ON events(parent_record_id);
CREATE INDEX IF NOT EXISTS idx_sink_events_user ON events(user_id, server_seq);

CREATE TABLE IF NOT EXISTS conflicts (
    id                TEXT PRIMARY KEY,
    parent_record_id  TEXT NOT NULL,
    first_event_id    TEXT NOT NULL,
    second_event_id   TEXT NOT NULL,
    first_payload     TEXT NOT NULL,
    second_payload    TEXT NOT NULL,
    strategy          TEXT NOT NULL DEFAULT 'manual',
    detected_at_ms    INTEGER NOT NULL,
    resolved          INTEGER NOT NULL DEFAULT 0
);

CREATE TRIGGER IF NOT EXISTS sink_events_no_update
BEFORE UPDATE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS sink_events_no_delete
BEFORE DELETE ON events
BEGIN
    SELECT RAISE(ABORT, 'events are append-only');
END;
`

// Storage is the sink's SQLite persistence.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens or creates the sink database.
func OpenStorage(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(storageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (st *Storage) Close() error {
	if st.db != nil {
		return st.db.Close()
	}
	return nil
}

// IngestResult reports what one upload did.
type IngestResult struct {
	Created  bool
	Conflict *syncpkg.Conflict
}

// Ingest stores one uploaded event. Uploads are at-least-once, so an event id
// already present is a no-op, not an error. When the event revises a parent
// that a different, previously-unknown child has already superseded, the
// late-arriving revision is retained anyway and a conflict row is created
// carrying both payloads for the resolution workflow. The event row and its
// conflict row commit together: a failed ingest leaves neither behind.
func (st *Storage) Ingest(e *event.Event, raw []byte, now time.Time) (IngestResult, error) {
	var res IngestResult

	tx, err := st.db.Begin()
	if err != nil {
		return res, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	exists, err := hasEvent(tx, e.EventID)
	if err != nil {
		return res, err
	}
	if exists {
		return res, nil
	}

	if e.ParentRecordID != nil {
		conflict, err := detectConflict(tx, e, raw, now)
		if err != nil {
			return res, err
		}
		res.Conflict = conflict
	}

	var parent any
	if e.ParentRecordID != nil {
		parent = e.ParentRecordID.String()
	}
	_, err = tx.Exec(`
		INSERT INTO events (event_id, record_id, parent_record_id, device_id, user_id, event_type, payload, received_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID.String(), e.RecordID.String(), parent,
		e.DeviceID.String(), e.UserID, string(e.Type()), string(raw), now.UnixMilli(),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			// Lost a race with a concurrent upload of the same event. The
			// rollback also discards any conflict row detected above.
			return IngestResult{}, nil
		}
		return IngestResult{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, fmt.Errorf("commit ingest: %w", err)
	}
	res.Created = true
	return res, nil
}

func hasEvent(tx *sql.Tx, id uuid.UUID) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM events WHERE event_id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query event %s: %w", id, err)
	}
	return true, nil
}

// detectConflict records a conflict when e's parent already has a different
// child. The insert rides the ingest transaction and is discarded with it.
func detectConflict(tx *sql.Tx, e *event.Event, raw []byte, now time.Time) (*syncpkg.Conflict, error) {
	parent := e.ParentRecordID.String()

	var firstID, firstPayload string
	err := tx.QueryRow(`
		SELECT event_id, payload FROM events
		WHERE parent_record_id = ?
		ORDER BY server_seq ASC
		LIMIT 1`, parent,
	).Scan(&firstID, &firstPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query existing child: %w", err)
	}

	first, err := uuid.Parse(firstID)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", firstID, err)
	}

	c := &syncpkg.Conflict{
		ID:             uuid.New(),
		ParentRecordID: *e.ParentRecordID,
		FirstEventID:   first,
		SecondEventID:  e.EventID,
		FirstPayload:   json.RawMessage(firstPayload),
		SecondPayload:  json.RawMessage(raw),
		Strategy:       syncpkg.StrategyManual,
		DetectedAt:     now.UTC(),
	}

	_, err = tx.Exec(`
		INSERT INTO conflicts (id, parent_record_id, first_event_id, second_event_id, first_payload, second_payload, strategy, detected_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), parent, firstID, e.EventID.String(),
		firstPayload, string(raw), string(c.Strategy), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conflict: %w", err)
	}
	return c, nil
}

// Events returns every stored event's wire payload in server sequence order.
func (st *Storage) Events() ([]json.RawMessage, error) {
	rows, err := st.db.Query(`SELECT payload FROM events ORDER BY server_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var payloads []json.RawMessage
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		payloads = append(payloads, json.RawMessage(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return payloads, nil
}

// EventCount reports the number of stored events.
func (st *Storage) EventCount() (int, error) {
	var n int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Conflicts returns unresolved conflicts in detection order.
func (st *Storage) Conflicts() ([]*syncpkg.Conflict, error) {
	rows, err := st.db.Query(`
		SELECT id, parent_record_id, first_event_id, second_event_id,
		       first_payload, second_payload, strategy, detected_at_ms, resolved
		FROM conflicts
		WHERE resolved = 0
		ORDER BY detected_at_ms ASC`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*syncpkg.Conflict
	for rows.Next() {
		var (
			id, parent, first, second   string
			firstPayload, secondPayload string
			strategy                    string
			detectedMS                  int64
			resolved                    bool
		)
		if err := rows.Scan(&id, &parent, &first, &second, &firstPayload, &secondPayload, &strategy, &detectedMS, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}

		c := &syncpkg.Conflict{
			FirstPayload:  json.RawMessage(firstPayload),
			SecondPayload: json.RawMessage(secondPayload),
			Strategy:      syncpkg.Strategy(strategy),
			DetectedAt:    time.UnixMilli(detectedMS).UTC(),
			Resolved:      resolved,
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse conflict id %q: %w", id, err)
		}
		if c.ParentRecordID, err = uuid.Parse(parent); err != nil {
			return nil, fmt.Errorf("parse parent record id %q: %w", parent, err)
		}
		if c.FirstEventID, err = uuid.Parse(first); err != nil {
			return nil, fmt.Errorf("parse first event id %q: %w", first, err)
		}
		if c.SecondEventID, err = uuid.Parse(second); err != nil {
			return nil, fmt.Errorf("parse second event id %q: %w", second, err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict records the decided strategy and closes the conflict.
func (st *Storage) ResolveConflict(id uuid.UUID, strategy syncpkg.Strategy) error {
	result, err := st.db.Exec(`UPDATE conflicts SET strategy = ?, resolved = 1 WHERE id = ?`,
		string(strategy), id.String())
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict not found: %s", id)
	}
	return nil
}
