package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
)

// selectColumns is the canonical column list for reading event rows, with
// synced_at joined in from the side table.
const selectColumns = `
	e.seq, e.event_id, e.record_id, e.parent_record_id, e.event_type,
	e.no_event, e.unknown_event, e.device_id, e.user_id,
	e.client_ts_ms, e.client_offset_sec,
	e.start_ms, e.start_offset_sec, e.start_zone,
	e.end_ms, e.end_offset_sec, e.end_zone,
	e.intensity, e.notes, e.delete_reason,
	e.origin, e.chain_seq, e.prev_hash, e.this_hash,
	s.synced_at_ms`

const fromEvents = ` FROM events e LEFT JOIN sync_state s ON s.event_id = e.event_id`

// ScanAll returns every stored event in append order (local sequence order),
// the only order that makes chain verification meaningful.
func (s *Store) ScanAll() ([]*event.Event, error) {
	return s.queryEvents(`SELECT` + selectColumns + fromEvents + ` ORDER BY e.seq ASC`)
}

// ScanDevice returns one device's events in chain order.
func (s *Store) ScanDevice(deviceID uuid.UUID) ([]*event.Event, error) {
	return s.queryEvents(`SELECT`+selectColumns+fromEvents+` WHERE e.device_id = ? ORDER BY e.chain_seq ASC`, deviceID.String())
}

// ForEach streams every stored event in append order without materializing
// the full history, for large-history verification passes. Iteration stops
// at the first error returned by fn.
func (s *Store) ForEach(fn func(*event.Event) error) error {
	rows, err := s.db.Query(`SELECT` + selectColumns + fromEvents + ` ORDER BY e.seq ASC`)
	if err != nil {
		return fmt.Errorf("query events: %w", mapSQLiteErr(err))
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", mapSQLiteErr(err))
	}
	return nil
}

// Unsynced returns this device's own events the sink has not acknowledged,
// in append order. Remote-origin events are never pushed back.
func (s *Store) Unsynced() ([]*event.Event, error) {
	return s.queryEvents(`SELECT` + selectColumns + fromEvents + `
		WHERE e.origin = 'local' AND s.event_id IS NULL
		ORDER BY e.seq ASC`)
}

// UnsyncedCount reports how many local events still await acknowledgement.
func (s *Store) UnsyncedCount() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM events e
		LEFT JOIN sync_state s ON s.event_id = e.event_id
		WHERE e.origin = 'local' AND s.event_id IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsynced: %w", mapSQLiteErr(err))
	}
	return n, nil
}

// GetEvent retrieves one event by id, or ErrNotFound.
func (s *Store) GetEvent(id uuid.UUID) (*event.Event, error) {
	events, err := s.queryEvents(`SELECT`+selectColumns+fromEvents+` WHERE e.event_id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return events[0], nil
}

// EventIDs returns the set of all stored event ids, for sync diffing.
func (s *Store) EventIDs() (map[uuid.UUID]struct{}, error) {
	rows, err := s.db.Query(`SELECT event_id FROM events`)
	if err != nil {
		return nil, fmt.Errorf("query event ids: %w", mapSQLiteErr(err))
	}
	defer rows.Close()

	ids := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", raw, err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event ids: %w", mapSQLiteErr(err))
	}
	return ids, nil
}

// DeviceIDs returns every device that contributed a chain to this store.
func (s *Store) DeviceIDs() ([]uuid.UUID, error) {
	rows, err := s.db.Query(`SELECT DISTINCT device_id FROM events ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query device ids: %w", mapSQLiteErr(err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan device id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse device id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device ids: %w", mapSQLiteErr(err))
	}
	return ids, nil
}

func (s *Store) queryEvents(query string, args ...any) ([]*event.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", mapSQLiteErr(err))
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", mapSQLiteErr(err))
	}
	return events, nil
}

// scanEvent reconstructs one event from a row, rebuilding the typed payload
// variant from the discriminator and marker flags.
func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		eventID, recordID, deviceID  string
		parentID                     sql.NullString
		eventType, userID, origin    string
		noEvent, unknownEv           bool
		clientMS                     int64
		clientOffset                 int
		startMS, endMS               sql.NullInt64
		startOffset, endOffset       sql.NullInt64
		startZone, endZone           string
		intensity                    sql.NullString
		notes, reason                string
		chainSeq, seq                int64
		prevHash, thisHash           []byte
		syncedMS                     sql.NullInt64
	)

	err := rows.Scan(
		&seq, &eventID, &recordID, &parentID, &eventType,
		&noEvent, &unknownEv, &deviceID, &userID,
		&clientMS, &clientOffset,
		&startMS, &startOffset, &startZone,
		&endMS, &endOffset, &endZone,
		&intensity, &notes, &reason,
		&origin, &chainSeq, &prevHash, &thisHash,
		&syncedMS,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	e := &event.Event{
		Seq:        seq,
		ChainSeq:   chainSeq,
		UserID:     userID,
		ClientTime: event.FromUnixMilli(clientMS, clientOffset),
		Origin:     event.Origin(origin),
	}
	if e.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", eventID, err)
	}
	if e.RecordID, err = uuid.Parse(recordID); err != nil {
		return nil, fmt.Errorf("parse record id %q: %w", recordID, err)
	}
	if e.DeviceID, err = uuid.Parse(deviceID); err != nil {
		return nil, fmt.Errorf("parse device id %q: %w", deviceID, err)
	}
	if parentID.Valid {
		parent, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent record id %q: %w", parentID.String, err)
		}
		e.ParentRecordID = &parent
	}
	copy(e.PrevHash[:], prevHash)
	copy(e.ThisHash[:], thisHash)
	if syncedMS.Valid {
		t := time.UnixMilli(syncedMS.Int64).UTC()
		e.SyncedAt = &t
	}

	switch {
	case eventType == string(event.TypeDeleted):
		e.Payload = event.Deleted{Reason: reason}
	case noEvent:
		e.Payload = event.NoBleed{
			At:    event.FromUnixMilli(startMS.Int64, int(startOffset.Int64)),
			Notes: notes,
		}
	case unknownEv:
		e.Payload = event.Unknown{
			At: event.FromUnixMilli(startMS.Int64, int(startOffset.Int64)),
		}
	default:
		if !startMS.Valid {
			return nil, fmt.Errorf("event %s: recorded row without start time", eventID)
		}
		r := event.Recorded{
			Start:     event.FromUnixMilli(startMS.Int64, int(startOffset.Int64)),
			Notes:     notes,
			StartZone: startZone,
			EndZone:   endZone,
		}
		if endMS.Valid {
			end := event.FromUnixMilli(endMS.Int64, int(endOffset.Int64))
			r.End = &end
		}
		if intensity.Valid {
			i, err := event.ParseIntensity(intensity.String)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", eventID, err)
			}
			r.Intensity = &i
		}
		e.Payload = r
	}

	return e, nil
}
