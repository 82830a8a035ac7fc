// Package event defines the immutable diary event model and its JSON wire format.
//
// An Event is one appended fact about a logical diary record. Events are never
// edited or removed; a correction appends a new event whose ParentRecordID
// points at the record it supersedes, and a deletion appends a Deleted marker.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the two stored event types.
type Type string

const (
	// TypeRecorded is a diary entry: a nosebleed, a confirmed no-nosebleed
	// day, or an explicit "unknown" marker.
	TypeRecorded Type = "recorded"
	// TypeDeleted is a soft-delete marker referencing the deleted record
	// via ParentRecordID.
	TypeDeleted Type = "deleted"
)

// Origin records which append path produced a local row.
type Origin string

const (
	// OriginLocal means the event was appended by this device's own chain.
	OriginLocal Origin = "local"
	// OriginRemote means the event was pulled from the remote sink and
	// carries another device's chain linkage.
	OriginRemote Origin = "remote"
)

// Intensity grades the severity of a nosebleed.
type Intensity string

const (
	IntensitySpotting     Intensity = "spotting"
	IntensityDripping     Intensity = "dripping"
	IntensityFlowing      Intensity = "flowing"
	IntensityPouring      Intensity = "pouring"
	IntensityGushing      Intensity = "gushing"
	IntensityUncontrolled Intensity = "uncontrolled"
)

// Intensities lists all valid intensity values in increasing severity.
var Intensities = []Intensity{
	IntensitySpotting,
	IntensityDripping,
	IntensityFlowing,
	IntensityPouring,
	IntensityGushing,
	IntensityUncontrolled,
}

// ParseIntensity validates a lowercase wire name.
func ParseIntensity(s string) (Intensity, error) {
	for _, i := range Intensities {
		if string(i) == s {
			return i, nil
		}
	}
	return "", &ValidationError{Field: "intensity", Reason: "unknown value " + s}
}

// Event is one immutable entry in a device's append-only chain.
//
// PrevHash/ThisHash link the event into its device's hash chain. SyncedAt is
// the only field that may change after append, and it is stored outside the
// hashed row (a side table keyed by EventID) so the chain cannot be disturbed
// by sync bookkeeping.
type Event struct {
	// EventID is the globally unique, client-generated identity (UUID v4).
	EventID uuid.UUID

	// RecordID names the logical record this event pertains to. A fresh
	// record's first event has RecordID == EventID.
	RecordID uuid.UUID

	// ParentRecordID, when set, names the record this event supersedes.
	ParentRecordID *uuid.UUID

	// Payload is the typed clinical content. Its concrete variant fixes
	// the stored Type and the wire flags.
	Payload Payload

	// DeviceID and UserID attribute the event (ALCOA+).
	DeviceID uuid.UUID
	UserID   string

	// ClientTime is when the device believes the event occurred, with its
	// original UTC offset preserved.
	ClientTime Timestamp

	// Seq is the local store's append sequence. Zero until persisted.
	Seq int64

	// ChainSeq is the event's position in its own device's hash chain,
	// starting at zero. Assigned at append time, before stamping.
	ChainSeq int64

	// Origin is OriginLocal for this device's own appends and OriginRemote
	// for events pulled from the sink.
	Origin Origin

	// PrevHash is the previous chain entry's ThisHash, or the genesis
	// constant for ChainSeq zero.
	PrevHash [32]byte

	// ThisHash is the stamp computed over PrevHash and the immutable
	// fields at append time.
	ThisHash [32]byte

	// SyncedAt is set once the remote sink has acknowledged the event.
	// It is metadata, never part of the hash.
	SyncedAt *time.Time
}

// Type returns the stored event type for the payload variant.
func (e *Event) Type() Type {
	if _, ok := e.Payload.(Deleted); ok {
		return TypeDeleted
	}
	return TypeRecorded
}

// IsRealEvent reports whether the event describes an actual nosebleed rather
// than a no-nosebleed confirmation or an unknown marker.
func (e *Event) IsRealEvent() bool {
	_, ok := e.Payload.(Recorded)
	return ok
}

// IsIncomplete reports whether a real event is missing its end time or
// intensity. Marker events are never incomplete.
func (e *Event) IsIncomplete() bool {
	r, ok := e.Payload.(Recorded)
	if !ok {
		return false
	}
	return r.End == nil || r.Intensity == nil
}

// Duration returns end minus start when both are present.
func (e *Event) Duration() *time.Duration {
	r, ok := e.Payload.(Recorded)
	if !ok || r.End == nil {
		return nil
	}
	d := r.End.Time().Sub(r.Start.Time())
	return &d
}
