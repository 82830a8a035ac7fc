// Package materialize derives current-state records from the immutable event
// history. Records are never persisted: they are a pure function of the event
// store's contents at a point in time, recomputed on read or maintained
// incrementally by Index.
package materialize

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
)

// Record is the materialized current version of one logical diary record:
// the newest event in a supersession chain that is not itself deleted.
type Record struct {
	Event *event.Event

	// RecordID is the surviving event's own record identity.
	RecordID uuid.UUID

	// IsRealEvent is true for an actual nosebleed entry, false for
	// no-nosebleed confirmations and unknown markers.
	IsRealEvent bool

	// IsIncomplete is true for a real event still missing its end time or
	// intensity.
	IsIncomplete bool

	// Duration is end minus start when both are present, else nil.
	Duration *time.Duration
}

// Order selects the sort direction of a materialization.
type Order int

const (
	// NewestFirst sorts by client timestamp descending (recent-entries view).
	NewestFirst Order = iota
	// OldestFirst sorts ascending (display order for day lists).
	OldestFirst
)

// Materialize folds the full event history into current records:
//
//  1. every record named as a parent is superseded;
//  2. every record named as the parent of a Deleted event is gone;
//  3. what remains, excluding the Deleted markers themselves, is current.
func Materialize(events []*event.Event, order Order) []*Record {
	superseded := make(map[uuid.UUID]struct{})
	deleted := make(map[uuid.UUID]struct{})

	for _, e := range events {
		if e.ParentRecordID != nil {
			superseded[*e.ParentRecordID] = struct{}{}
			if e.Type() == event.TypeDeleted {
				deleted[*e.ParentRecordID] = struct{}{}
			}
		}
	}

	var records []*Record
	for _, e := range events {
		if e.Type() == event.TypeDeleted {
			continue
		}
		if _, ok := superseded[e.RecordID]; ok {
			continue
		}
		if _, ok := deleted[e.RecordID]; ok {
			continue
		}
		records = append(records, newRecord(e))
	}

	sortRecords(records, order)
	return records
}

func newRecord(e *event.Event) *Record {
	return &Record{
		Event:        e,
		RecordID:     e.RecordID,
		IsRealEvent:  e.IsRealEvent(),
		IsIncomplete: e.IsIncomplete(),
		Duration:     e.Duration(),
	}
}

func sortRecords(records []*Record, order Order) {
	sort.SliceStable(records, func(i, j int) bool {
		ti := records[i].Event.ClientTime.UnixMilli()
		tj := records[j].Event.ClientTime.UnixMilli()
		if order == NewestFirst {
			return ti > tj
		}
		return ti < tj
	})
}
