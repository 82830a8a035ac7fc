// Package service is the application-facing facade over the event store,
// read model and integrity verifier. Every user action becomes an append;
// nothing the UI can do updates or deletes an event row.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"diaryd/internal/event"
	"diaryd/internal/integrity"
	"diaryd/internal/materialize"
	"diaryd/internal/store"
)

// ErrNotEnrolled means the enrollment flow has not yet produced a user id.
var ErrNotEnrolled = errors.New("service: not enrolled")

// Identity supplies attribution from the enrollment flow.
type Identity interface {
	UserID() (string, bool)
	AuthToken() (string, bool)
}

// Option configures a Diary.
type Option func(*Diary)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Diary) { d.log = log }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Diary) { d.now = now }
}

// WithLocation overrides the device-local zone used for calendar grouping.
func WithLocation(loc func() *time.Location) Option {
	return func(d *Diary) { d.loc = loc }
}

// WithConflictHook is invoked when the read model observes a second revision
// of an already-superseded record (e.g. after pulling another device's
// events).
func WithConflictHook(fn materialize.ConflictFunc) Option {
	return func(d *Diary) { d.onConflict = fn }
}

// Diary is one patient's diary on one device.
type Diary struct {
	store    *store.Store
	index    *materialize.Index
	identity Identity
	deviceID uuid.UUID

	log        *slog.Logger
	now        func() time.Time
	loc        func() *time.Location
	onConflict materialize.ConflictFunc
}

// New builds the facade over an open store and rebuilds the read-model index
// from the full history.
func New(s *store.Store, deviceID uuid.UUID, identity Identity, opts ...Option) (*Diary, error) {
	d := &Diary{
		store:    s,
		identity: identity,
		deviceID: deviceID,
		log:      slog.Default(),
		now:      time.Now,
		loc:      func() *time.Location { return time.Local },
	}
	for _, opt := range opts {
		opt(d)
	}

	d.index = materialize.NewIndex(d.onConflict)
	events, err := s.ScanAll()
	if err != nil {
		return nil, fmt.Errorf("rebuild read model: %w", err)
	}
	d.index.Rebuild(events)
	return d, nil
}

// RecordParams are the clinical fields of a nosebleed entry. End and
// Intensity may be left nil for an entry the patient will finish later.
type RecordParams struct {
	Start     event.Timestamp
	End       *event.Timestamp
	Intensity *event.Intensity
	Notes     string
	StartZone string
	EndZone   string
}

func (p RecordParams) payload() event.Payload {
	return event.Recorded{
		Start:     p.Start,
		End:       p.End,
		Intensity: p.Intensity,
		Notes:     p.Notes,
		StartZone: p.StartZone,
		EndZone:   p.EndZone,
	}
}

// AddRecord appends a new nosebleed entry and returns its materialized view.
func (d *Diary) AddRecord(p RecordParams) (*materialize.Record, error) {
	return d.append(nil, p.payload())
}

// AddNoBleedDay appends a confirmed no-nosebleed day.
func (d *Diary) AddNoBleedDay(at event.Timestamp, notes string) (*materialize.Record, error) {
	return d.append(nil, event.NoBleed{At: at, Notes: notes})
}

// AddUnknownDay appends an explicit unknown marker for the day of at.
func (d *Diary) AddUnknownDay(at event.Timestamp) (*materialize.Record, error) {
	return d.append(nil, event.Unknown{At: at})
}

// UpdateRecord supersedes an existing record with revised fields. The
// original event is untouched in the log; the revision references it as
// parent and replaces it in the materialized view.
func (d *Diary) UpdateRecord(recordID uuid.UUID, p RecordParams) (*materialize.Record, error) {
	if _, err := d.store.GetEvent(recordID); err != nil {
		return nil, err
	}
	return d.append(&recordID, p.payload())
}

// DeleteRecord appends a soft-delete marker for the record. The record's
// events remain in the log and in the audit trail; only the materialized
// view forgets it.
func (d *Diary) DeleteRecord(recordID uuid.UUID, reason string) (*event.Event, error) {
	if _, err := d.store.GetEvent(recordID); err != nil {
		return nil, err
	}
	userID, ok := d.identity.UserID()
	if !ok {
		return nil, ErrNotEnrolled
	}
	e, err := d.store.Append(d.deviceID, userID, event.NewTimestamp(d.now()), &recordID, event.Deleted{Reason: reason})
	if err != nil {
		return nil, err
	}
	d.index.Apply(e)
	d.log.Info("record deleted", "record_id", recordID, "event_id", e.EventID)
	return e, nil
}

func (d *Diary) append(parent *uuid.UUID, p event.Payload) (*materialize.Record, error) {
	userID, ok := d.identity.UserID()
	if !ok {
		return nil, ErrNotEnrolled
	}
	e, err := d.store.Append(d.deviceID, userID, event.NewTimestamp(d.now()), parent, p)
	if err != nil {
		return nil, err
	}
	d.index.Apply(e)

	for _, r := range d.index.Records(materialize.NewestFirst) {
		if r.RecordID == e.RecordID {
			return r, nil
		}
	}
	// The new event must be live: it has no child yet and is not a marker.
	return nil, fmt.Errorf("service: appended record %s not materialized", e.RecordID)
}

// ApplyPulled folds an event appended by the sync engine into the read
// model. Intended as the engine's applied-hook.
func (d *Diary) ApplyPulled(e *event.Event) {
	d.index.Apply(e)
}

// Records returns the current materialized records, newest first.
func (d *Diary) Records() []*materialize.Record {
	return d.index.Records(materialize.NewestFirst)
}

// RecordsOldestFirst returns the current records in display order.
func (d *Diary) RecordsOldestFirst() []*materialize.Record {
	return d.index.Records(materialize.OldestFirst)
}

// AllLocalRecords returns the raw append-order log, including superseded and
// deleted events.
func (d *Diary) AllLocalRecords() ([]*event.Event, error) {
	return d.store.ScanAll()
}

// DayStatus classifies one calendar date in the device's current local zone.
func (d *Diary) DayStatus(year int, month time.Month, day int) materialize.DayStatus {
	return materialize.DayStatusFor(d.index.Records(materialize.OldestFirst), year, month, day, d.loc())
}

// VerifyDataIntegrity walks every stored hash chain. It is advisory: a
// broken chain is reported to the caller (export tooling, compliance
// checks), never auto-repaired.
func (d *Diary) VerifyDataIntegrity() (bool, error) {
	report, err := integrity.VerifyStore(d.store)
	if err != nil {
		return false, err
	}
	if !report.OK() {
		for device, res := range report.Chains {
			if !res.OK {
				d.log.Error("chain verification failed", "device_id", device, "detail", res.String())
			}
		}
		return false, nil
	}
	return true, nil
}

// UnsyncedCount reports how many local events still await sink
// acknowledgement.
func (d *Diary) UnsyncedCount() (int, error) {
	return d.store.UnsyncedCount()
}
