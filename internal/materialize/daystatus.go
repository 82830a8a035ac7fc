package materialize

import (
	"time"

	"diaryd/internal/event"
)

// DayStatus classifies one calendar day for the diary calendar.
type DayStatus int

const (
	// StatusNotRecorded means nothing was entered for the day.
	StatusNotRecorded DayStatus = iota
	// StatusIncomplete means only incomplete real events exist for the day.
	StatusIncomplete
	// StatusUnknown means the day is explicitly marked unknown.
	StatusUnknown
	// StatusNoEventConfirmed means a no-nosebleed day was confirmed.
	StatusNoEventConfirmed
	// StatusHasEvent means at least one complete nosebleed entry exists.
	StatusHasEvent
)

func (s DayStatus) String() string {
	switch s {
	case StatusIncomplete:
		return "incomplete"
	case StatusUnknown:
		return "unknown"
	case StatusNoEventConfirmed:
		return "no-event-confirmed"
	case StatusHasEvent:
		return "has-event"
	default:
		return "not-recorded"
	}
}

// DayStatusFor classifies the given calendar date over the materialized
// records. Priority: HasEvent > NoEventConfirmed > Unknown > Incomplete >
// NotRecorded.
//
// The record's calendar date is the client timestamp converted to loc, the
// device's *current* local zone, not the zone recorded at entry time. A
// patient who travels sees entries grouped under their present wall clock;
// the stored offsets remain untouched for the clinical record.
func DayStatusFor(records []*Record, year int, month time.Month, day int, loc *time.Location) DayStatus {
	status := StatusNotRecorded

	for _, r := range records {
		y, m, d := r.Event.ClientTime.Time().In(loc).Date()
		if y != year || m != month || d != day {
			continue
		}

		var candidate DayStatus
		switch {
		case r.IsRealEvent && !r.IsIncomplete:
			candidate = StatusHasEvent
		case r.IsRealEvent:
			candidate = StatusIncomplete
		case event.NoEventFlag(r.Event.Payload):
			candidate = StatusNoEventConfirmed
		case event.UnknownFlag(r.Event.Payload):
			candidate = StatusUnknown
		default:
			continue
		}

		if candidate > status {
			status = candidate
		}
		if status == StatusHasEvent {
			break
		}
	}
	return status
}
