package materialize

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
)

func ts(t *testing.T, s string) event.Timestamp {
	t.Helper()
	parsed, err := event.ParseTimestamp(s)
	if err != nil {
		t.Fatalf("parse timestamp %q: %v", s, err)
	}
	return parsed
}

type builder struct {
	t        *testing.T
	deviceID uuid.UUID
	seq      int64
}

func newBuilder(t *testing.T) *builder {
	return &builder{t: t, deviceID: uuid.New()}
}

func (b *builder) add(clientTime event.Timestamp, parent *uuid.UUID, p event.Payload) *event.Event {
	b.t.Helper()
	id := uuid.New()
	e := &event.Event{
		EventID:        id,
		RecordID:       id,
		ParentRecordID: parent,
		Payload:        p,
		DeviceID:       b.deviceID,
		UserID:         "patient-001",
		ClientTime:     clientTime,
		ChainSeq:       b.seq,
		Origin:         event.OriginLocal,
	}
	b.seq++
	return e
}

func TestMaterializeSupersessionChain(t *testing.T) {
	b := newBuilder(t)
	at := ts(t, "2025-10-15T14:30:00.000-05:00")

	original := b.add(at, nil, event.Recorded{Start: at})
	rev1 := b.add(at, &original.RecordID, event.Recorded{Start: at, Notes: "first correction"})
	rev2 := b.add(at, &rev1.RecordID, event.Recorded{Start: at, Notes: "second correction"})

	records := Materialize([]*event.Event{original, rev1, rev2}, OldestFirst)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].RecordID != rev2.RecordID {
		t.Error("surviving record is not the newest revision")
	}
	if records[0].Event.Payload.(event.Recorded).Notes != "second correction" {
		t.Error("surviving record carries the wrong payload")
	}
}

func TestMaterializeDeletion(t *testing.T) {
	b := newBuilder(t)
	at := ts(t, "2025-10-15T14:30:00.000-05:00")

	entry := b.add(at, nil, event.Recorded{Start: at})
	marker := b.add(at, &entry.RecordID, event.Deleted{Reason: "entered by mistake"})

	records := Materialize([]*event.Event{entry, marker}, OldestFirst)
	if len(records) != 0 {
		t.Fatalf("deleted record still materialized: %d records", len(records))
	}
}

func TestMaterializeFlagsAndDuration(t *testing.T) {
	b := newBuilder(t)
	start := ts(t, "2025-10-15T14:30:00.000-05:00")
	end := ts(t, "2025-10-15T14:42:30.000-05:00")
	intensity := event.IntensityDripping

	complete := b.add(start, nil, event.Recorded{Start: start, End: &end, Intensity: &intensity})
	partial := b.add(start, nil, event.Recorded{Start: start})
	noBleed := b.add(start, nil, event.NoBleed{At: start})

	records := Materialize([]*event.Event{complete, partial, noBleed}, OldestFirst)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	byID := make(map[uuid.UUID]*Record)
	for _, r := range records {
		byID[r.RecordID] = r
	}

	c := byID[complete.RecordID]
	if !c.IsRealEvent || c.IsIncomplete {
		t.Error("complete entry misclassified")
	}
	if c.Duration == nil || *c.Duration != 12*time.Minute+30*time.Second {
		t.Errorf("duration = %v, want 12m30s", c.Duration)
	}

	p := byID[partial.RecordID]
	if !p.IsRealEvent || !p.IsIncomplete || p.Duration != nil {
		t.Error("partial entry misclassified")
	}

	n := byID[noBleed.RecordID]
	if n.IsRealEvent || n.IsIncomplete {
		t.Error("no-bleed marker misclassified")
	}
}

func TestMaterializeOrdering(t *testing.T) {
	b := newBuilder(t)
	early := b.add(ts(t, "2025-10-14T08:00:00.000-05:00"), nil, event.Recorded{Start: ts(t, "2025-10-14T08:00:00.000-05:00")})
	late := b.add(ts(t, "2025-10-16T08:00:00.000-05:00"), nil, event.Recorded{Start: ts(t, "2025-10-16T08:00:00.000-05:00")})

	newest := Materialize([]*event.Event{early, late}, NewestFirst)
	if newest[0].RecordID != late.RecordID {
		t.Error("newest-first returned the older record first")
	}

	oldest := Materialize([]*event.Event{late, early}, OldestFirst)
	if oldest[0].RecordID != early.RecordID {
		t.Error("oldest-first returned the newer record first")
	}
}

func TestIndexMatchesFullMaterialization(t *testing.T) {
	b := newBuilder(t)
	at := ts(t, "2025-10-15T14:30:00.000-05:00")

	later := ts(t, "2025-10-15T18:00:00.000-05:00")
	original := b.add(at, nil, event.Recorded{Start: at})
	revision := b.add(at, &original.RecordID, event.Recorded{Start: at, Notes: "revised"})
	kept := b.add(later, nil, event.NoBleed{At: later})
	victim := b.add(later, nil, event.Recorded{Start: later})
	marker := b.add(later, &victim.RecordID, event.Deleted{Reason: "duplicate"})

	history := []*event.Event{original, revision, kept, victim, marker}

	ix := NewIndex(nil)
	for _, e := range history {
		ix.Apply(e)
	}

	full := Materialize(history, OldestFirst)
	incremental := ix.Records(OldestFirst)

	if len(full) != len(incremental) {
		t.Fatalf("full has %d records, index has %d", len(full), len(incremental))
	}
	for i := range full {
		if full[i].RecordID != incremental[i].RecordID {
			t.Fatalf("record %d differs: %s vs %s", i, full[i].RecordID, incremental[i].RecordID)
		}
	}
	if ix.Len() != 2 {
		t.Errorf("index len = %d, want 2", ix.Len())
	}
}

func TestIndexOutOfOrderApplication(t *testing.T) {
	b := newBuilder(t)
	at := ts(t, "2025-10-15T14:30:00.000-05:00")

	parent := b.add(at, nil, event.Recorded{Start: at})
	child := b.add(at, &parent.RecordID, event.Recorded{Start: at, Notes: "revised"})

	// Pull order is not append order: the child can arrive first. The
	// parent must never go live afterwards.
	ix := NewIndex(nil)
	ix.Apply(child)
	ix.Apply(parent)

	records := ix.Records(OldestFirst)
	if len(records) != 1 || records[0].RecordID != child.RecordID {
		t.Fatalf("out-of-order application diverged: %d records", len(records))
	}
}

func TestIndexConflictHook(t *testing.T) {
	b := newBuilder(t)
	at := ts(t, "2025-10-15T14:30:00.000-05:00")

	parent := b.add(at, nil, event.Recorded{Start: at})
	childA := b.add(at, &parent.RecordID, event.Recorded{Start: at, Notes: "edit on phone"})
	childB := b.add(at, &parent.RecordID, event.Recorded{Start: at, Notes: "edit on tablet"})

	var gotParent, gotExisting, gotNew uuid.UUID
	calls := 0
	ix := NewIndex(func(p, existing, fresh uuid.UUID) {
		calls++
		gotParent, gotExisting, gotNew = p, existing, fresh
	})

	ix.Apply(parent)
	ix.Apply(childA)
	ix.Apply(childB)

	if calls != 1 {
		t.Fatalf("conflict hook called %d times, want 1", calls)
	}
	if gotParent != parent.RecordID || gotExisting != childA.RecordID || gotNew != childB.RecordID {
		t.Error("conflict hook received wrong identities")
	}
	// Both children stay in the history; both remain visible until the
	// conflict is resolved by a further supersession.
	if ix.Len() != 2 {
		t.Errorf("index len = %d, want both children live", ix.Len())
	}
}

func TestDayStatusPriority(t *testing.T) {
	b := newBuilder(t)
	loc := time.FixedZone("", -5*3600)
	day := ts(t, "2025-10-15T09:00:00.000-05:00")
	intensity := event.IntensitySpotting
	end := ts(t, "2025-10-15T09:05:00.000-05:00")

	unknown := b.add(day, nil, event.Unknown{At: day})
	noBleed := b.add(day, nil, event.NoBleed{At: day})
	partial := b.add(day, nil, event.Recorded{Start: day})
	complete := b.add(day, nil, event.Recorded{Start: day, End: &end, Intensity: &intensity})

	cases := []struct {
		name   string
		events []*event.Event
		want   DayStatus
	}{
		{"empty day", nil, StatusNotRecorded},
		{"unknown only", []*event.Event{unknown}, StatusUnknown},
		{"no-bleed beats unknown", []*event.Event{unknown, noBleed}, StatusNoEventConfirmed},
		{"incomplete only", []*event.Event{partial}, StatusIncomplete},
		{"complete beats everything", []*event.Event{unknown, noBleed, partial, complete}, StatusHasEvent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := Materialize(tc.events, OldestFirst)
			got := DayStatusFor(records, 2025, time.October, 15, loc)
			if got != tc.want {
				t.Errorf("day status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDayStatusGroupsByCurrentZone(t *testing.T) {
	b := newBuilder(t)

	// Entered at 23:30 on Oct 15 in Chicago; viewed from Tokyo that
	// instant falls on Oct 16.
	at := ts(t, "2025-10-15T23:30:00.000-05:00")
	entry := b.add(at, nil, event.NoBleed{At: at})
	records := Materialize([]*event.Event{entry}, OldestFirst)

	chicago := time.FixedZone("", -5*3600)
	tokyo := time.FixedZone("", 9*3600)

	if got := DayStatusFor(records, 2025, time.October, 15, chicago); got != StatusNoEventConfirmed {
		t.Errorf("Chicago Oct 15 = %s, want no-event-confirmed", got)
	}
	if got := DayStatusFor(records, 2025, time.October, 16, tokyo); got != StatusNoEventConfirmed {
		t.Errorf("Tokyo Oct 16 = %s, want no-event-confirmed", got)
	}
	if got := DayStatusFor(records, 2025, time.October, 16, chicago); got != StatusNotRecorded {
		t.Errorf("Chicago Oct 16 = %s, want not-recorded", got)
	}
}
