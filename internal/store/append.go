package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
	"diaryd/internal/hashchain"
)

// Append constructs, stamps and durably persists a new local event. This is
// the only write path for user actions: a user-facing "edit" passes the
// superseded record as parent, and a user-facing "delete" passes a Deleted
// payload. The write is committed (and fsynced, given synchronous=FULL)
// before Append returns; on error the event is not visible on any read path.
func (s *Store) Append(deviceID uuid.UUID, userID string, clientTime event.Timestamp, parent *uuid.UUID, p event.Payload) (*event.Event, error) {
	if err := event.Validate(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	e := &event.Event{
		EventID:        id,
		RecordID:       id,
		ParentRecordID: parent,
		Payload:        p,
		DeviceID:       deviceID,
		UserID:         userID,
		ClientTime:     clientTime,
		Origin:         event.OriginLocal,
	}

	tail, lastSeq, err := s.chainTail(deviceID)
	if err != nil {
		return nil, err
	}
	if lastSeq < 0 {
		e.ChainSeq = 0
		e.PrevHash = hashchain.Genesis
	} else {
		e.ChainSeq = lastSeq + 1
		e.PrevHash = tail
	}
	e.ThisHash = hashchain.Stamp(e.PrevHash, e)

	if err := s.insert(e); err != nil {
		return nil, err
	}
	return e, nil
}

// AppendRemote persists an event pulled from the remote sink. The event keeps
// its originally-assigned identity, chain position and hashes; only the local
// store sequence and the remote origin marker are assigned here. Appending
// the same remote event twice returns ErrDuplicateEvent and changes nothing;
// a previously-unseen event whose (device, chain_seq) slot is already taken
// returns ErrChainConflict.
func (s *Store) AppendRemote(e *event.Event) (*event.Event, error) {
	if err := event.Validate(e.Payload); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *e
	stored.Origin = event.OriginRemote
	stored.Seq = 0
	if err := s.insert(&stored); err != nil {
		// Both UNIQUE indexes map to ErrDuplicateEvent; only an existing
		// row with this event id is a true duplicate. Anything else hit
		// the (device_id, chain_seq) index: a forked device chain.
		if errors.Is(err, ErrDuplicateEvent) {
			if _, getErr := s.GetEvent(e.EventID); getErr == nil {
				return nil, err
			} else if !errors.Is(getErr, ErrNotFound) {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: device %s seq %d", ErrChainConflict, e.DeviceID, e.ChainSeq)
		}
		return nil, err
	}
	return &stored, nil
}

// MarkSynced records sink acknowledgement for exactly the given events. It
// writes only the sync_state side table; the hashed event rows are untouched.
// Already-acknowledged events are left with their original synced_at.
func (s *Store) MarkSynced(eventIDs []uuid.UUID, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapSQLiteErr(err))
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO sync_state (event_id, synced_at_ms) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", mapSQLiteErr(err))
	}
	defer stmt.Close()

	ms := at.UnixMilli()
	for _, id := range eventIDs {
		if _, err := stmt.Exec(id.String(), ms); err != nil {
			return fmt.Errorf("mark synced %s: %w", id, mapSQLiteErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapSQLiteErr(err))
	}
	return nil
}

// chainTail returns the hash and chain sequence of the device's newest event,
// or lastSeq -1 when the device has no events yet. Callers hold s.mu.
func (s *Store) chainTail(deviceID uuid.UUID) ([32]byte, int64, error) {
	var hash []byte
	var seq int64

	err := s.db.QueryRow(`
		SELECT this_hash, chain_seq
		FROM events
		WHERE device_id = ?
		ORDER BY chain_seq DESC
		LIMIT 1`, deviceID.String(),
	).Scan(&hash, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return [32]byte{}, -1, nil
	}
	if err != nil {
		return [32]byte{}, 0, fmt.Errorf("read chain tail: %w", mapSQLiteErr(err))
	}

	var tail [32]byte
	copy(tail[:], hash)
	return tail, seq, nil
}

// insert writes one event row and fills in the assigned local sequence.
func (s *Store) insert(e *event.Event) error {
	args, err := rowArgs(e)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		INSERT INTO events (
			event_id, record_id, parent_record_id, event_type,
			no_event, unknown_event, device_id, user_id,
			client_ts_ms, client_offset_sec,
			start_ms, start_offset_sec, start_zone,
			end_ms, end_offset_sec, end_zone,
			intensity, notes, delete_reason,
			origin, chain_seq, prev_hash, this_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", mapSQLiteErr(err))
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", mapSQLiteErr(err))
	}
	e.Seq = seq
	return nil
}

// rowArgs flattens an event into column order for insert.
func rowArgs(e *event.Event) ([]any, error) {
	var parent any
	if e.ParentRecordID != nil {
		parent = e.ParentRecordID.String()
	}

	var (
		startMS, startOffset any
		endMS, endOffset     any
		startZone, endZone   string
		intensity            any
		notes, reason        string
		noEvent, unknownEv   bool
	)

	switch p := e.Payload.(type) {
	case event.Recorded:
		startMS, startOffset = p.Start.UnixMilli(), p.Start.OffsetSeconds()
		if p.End != nil {
			endMS, endOffset = p.End.UnixMilli(), p.End.OffsetSeconds()
		}
		if p.Intensity != nil {
			intensity = string(*p.Intensity)
		}
		notes = p.Notes
		startZone, endZone = p.StartZone, p.EndZone
	case event.NoBleed:
		startMS, startOffset = p.At.UnixMilli(), p.At.OffsetSeconds()
		notes = p.Notes
		noEvent = true
	case event.Unknown:
		startMS, startOffset = p.At.UnixMilli(), p.At.OffsetSeconds()
		unknownEv = true
	case event.Deleted:
		reason = p.Reason
	default:
		return nil, &event.ValidationError{Field: "payload", Reason: "unknown variant"}
	}

	return []any{
		e.EventID.String(), e.RecordID.String(), parent, string(e.Type()),
		noEvent, unknownEv, e.DeviceID.String(), e.UserID,
		e.ClientTime.UnixMilli(), e.ClientTime.OffsetSeconds(),
		startMS, startOffset, startZone,
		endMS, endOffset, endZone,
		intensity, notes, reason,
		string(e.Origin), e.ChainSeq, e.PrevHash[:], e.ThisHash[:],
	}, nil
}
