package event

// Payload is the closed set of clinical event contents. The concrete variants
// enforce field combinations at compile time: a NoBleed day structurally
// cannot carry an intensity, and only Deleted carries a removal reason.
type Payload interface {
	payload()
}

// Recorded is an actual nosebleed entry. End and Intensity may be absent
// while the entry is still being filled in; such an entry materializes as
// incomplete.
type Recorded struct {
	Start     Timestamp
	End       *Timestamp
	Intensity *Intensity
	Notes     string

	// StartZone and EndZone are IANA zone names captured at entry time so
	// the UI can restore the picker state. They do not affect the stored
	// offsets and are not used for calendar grouping.
	StartZone string
	EndZone   string
}

// NoBleed confirms that no nosebleed occurred on the day of At.
type NoBleed struct {
	At    Timestamp
	Notes string
}

// Unknown marks the day of At as unknown (the patient cannot say either way).
type Unknown struct {
	At Timestamp
}

// Deleted soft-deletes the record named by the event's ParentRecordID.
type Deleted struct {
	Reason string
}

func (Recorded) payload() {}
func (NoBleed) payload()  {}
func (Unknown) payload()  {}
func (Deleted) payload()  {}

// NoEventFlag reports the wire-level isNoNosebleedsEvent flag.
func NoEventFlag(p Payload) bool {
	_, ok := p.(NoBleed)
	return ok
}

// UnknownFlag reports the wire-level isUnknownEvent flag.
func UnknownFlag(p Payload) bool {
	_, ok := p.(Unknown)
	return ok
}
