package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// wireEvent is the HTTP/JSON shape of one event. Field names follow the sink
// API. Marker semantics travel as the isNoNosebleedsEvent / isUnknownEvent
// flags; hash-chain linkage travels hex-encoded so pulled events can be
// stored with their originally-assigned hashes.
type wireEvent struct {
	ID             string     `json:"id"`
	RecordID       string     `json:"recordId"`
	ParentRecordID *string    `json:"parentRecordId,omitempty"`
	EventType      string     `json:"eventType"`
	StartTime      *Timestamp `json:"startTime"`
	EndTime        *Timestamp `json:"endTime"`
	Intensity      *string    `json:"intensity"`
	Notes          *string    `json:"notes"`
	NoNosebleeds   bool       `json:"isNoNosebleedsEvent"`
	UnknownEvent   bool       `json:"isUnknownEvent"`
	Incomplete     bool       `json:"isIncomplete"`
	DeleteReason   *string    `json:"deleteReason,omitempty"`
	StartTimezone  string     `json:"startTimezone,omitempty"`
	EndTimezone    string     `json:"endTimezone,omitempty"`
	DeviceUUID     string     `json:"deviceUuid"`
	UserID         string     `json:"userId"`
	CreatedAt      Timestamp  `json:"createdAt"`
	SyncedAt       *Timestamp `json:"syncedAt"`
	ChainSeq       int64      `json:"chainSeq"`
	PrevHash       string     `json:"prevHash"`
	ThisHash       string     `json:"thisHash"`
}

// MarshalWire encodes an event for the sink API.
func MarshalWire(e *Event) ([]byte, error) {
	w := wireEvent{
		ID:         e.EventID.String(),
		RecordID:   e.RecordID.String(),
		EventType:  string(e.Type()),
		DeviceUUID: e.DeviceID.String(),
		UserID:     e.UserID,
		CreatedAt:  e.ClientTime,
		ChainSeq:   e.ChainSeq,
		PrevHash:   hex.EncodeToString(e.PrevHash[:]),
		ThisHash:   hex.EncodeToString(e.ThisHash[:]),
	}
	if e.ParentRecordID != nil {
		s := e.ParentRecordID.String()
		w.ParentRecordID = &s
	}
	if e.SyncedAt != nil {
		ts := NewTimestamp(*e.SyncedAt)
		w.SyncedAt = &ts
	}

	switch p := e.Payload.(type) {
	case Recorded:
		start := p.Start
		w.StartTime = &start
		w.EndTime = p.End
		if p.Intensity != nil {
			s := string(*p.Intensity)
			w.Intensity = &s
		}
		if p.Notes != "" {
			n := p.Notes
			w.Notes = &n
		}
		w.StartTimezone = p.StartZone
		w.EndTimezone = p.EndZone
		w.Incomplete = e.IsIncomplete()
	case NoBleed:
		at := p.At
		w.StartTime = &at
		w.NoNosebleeds = true
		if p.Notes != "" {
			n := p.Notes
			w.Notes = &n
		}
	case Unknown:
		at := p.At
		w.StartTime = &at
		w.UnknownEvent = true
	case Deleted:
		r := p.Reason
		w.DeleteReason = &r
	default:
		return nil, &ValidationError{Field: "payload", Reason: "unknown variant"}
	}

	return json.Marshal(w)
}

// UnmarshalWire decodes a sink API event and validates its payload.
func UnmarshalWire(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return fromWire(&w)
}

func fromWire(w *wireEvent) (*Event, error) {
	eventID, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, &ValidationError{Field: "id", Reason: err.Error()}
	}
	recordID, err := uuid.Parse(w.RecordID)
	if err != nil {
		return nil, &ValidationError{Field: "recordId", Reason: err.Error()}
	}
	deviceID, err := uuid.Parse(w.DeviceUUID)
	if err != nil {
		return nil, &ValidationError{Field: "deviceUuid", Reason: err.Error()}
	}

	e := &Event{
		EventID:    eventID,
		RecordID:   recordID,
		DeviceID:   deviceID,
		UserID:     w.UserID,
		ClientTime: w.CreatedAt,
		ChainSeq:   w.ChainSeq,
	}

	if w.ParentRecordID != nil {
		parent, err := uuid.Parse(*w.ParentRecordID)
		if err != nil {
			return nil, &ValidationError{Field: "parentRecordId", Reason: err.Error()}
		}
		e.ParentRecordID = &parent
	}
	if w.SyncedAt != nil {
		t := w.SyncedAt.Time()
		e.SyncedAt = &t
	}

	if err := decodeHash(w.PrevHash, &e.PrevHash); err != nil {
		return nil, &ValidationError{Field: "prevHash", Reason: err.Error()}
	}
	if err := decodeHash(w.ThisHash, &e.ThisHash); err != nil {
		return nil, &ValidationError{Field: "thisHash", Reason: err.Error()}
	}

	e.Payload, err = payloadFromWire(w)
	if err != nil {
		return nil, err
	}
	if err := Validate(e.Payload); err != nil {
		return nil, err
	}
	return e, nil
}

func payloadFromWire(w *wireEvent) (Payload, error) {
	switch {
	case w.EventType == string(TypeDeleted):
		reason := ""
		if w.DeleteReason != nil {
			reason = *w.DeleteReason
		}
		return Deleted{Reason: reason}, nil

	case w.NoNosebleeds:
		if w.UnknownEvent {
			return nil, &ValidationError{Field: "isUnknownEvent", Reason: "conflicts with isNoNosebleedsEvent"}
		}
		if w.Intensity != nil {
			return nil, &ValidationError{Field: "intensity", Reason: "not allowed on a no-nosebleed event"}
		}
		if w.StartTime == nil {
			return nil, &ValidationError{Field: "startTime", Reason: "required"}
		}
		notes := ""
		if w.Notes != nil {
			notes = *w.Notes
		}
		return NoBleed{At: *w.StartTime, Notes: notes}, nil

	case w.UnknownEvent:
		if w.Intensity != nil {
			return nil, &ValidationError{Field: "intensity", Reason: "not allowed on an unknown event"}
		}
		if w.StartTime == nil {
			return nil, &ValidationError{Field: "startTime", Reason: "required"}
		}
		return Unknown{At: *w.StartTime}, nil

	default:
		if w.StartTime == nil {
			return nil, &ValidationError{Field: "startTime", Reason: "required"}
		}
		r := Recorded{
			Start:     *w.StartTime,
			End:       w.EndTime,
			StartZone: w.StartTimezone,
			EndZone:   w.EndTimezone,
		}
		if w.Notes != nil {
			r.Notes = *w.Notes
		}
		if w.Intensity != nil {
			i, err := ParseIntensity(*w.Intensity)
			if err != nil {
				return nil, err
			}
			r.Intensity = &i
		}
		return r, nil
	}
}

func decodeHash(s string, dst *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(dst[:], raw)
	return nil
}

// MarshalBatch encodes the sink bulk-upload body.
func MarshalBatch(events []*Event) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		b, err := MarshalWire(e)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(map[string][]json.RawMessage{"records": raw})
}

// UnmarshalBatch decodes the sink bulk body into events.
func UnmarshalBatch(data []byte) ([]*Event, error) {
	var body struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	events := make([]*Event, 0, len(body.Records))
	for i, r := range body.Records {
		e, err := UnmarshalWire(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}
