package event

import (
	"fmt"
	"time"
)

// Layout is the wire layout for all diary timestamps: millisecond precision
// with a numeric UTC offset. The offset is preserved end to end and never
// normalized to Z, because the clinical record must keep the patient's wall
// clock at entry time.
const Layout = "2006-01-02T15:04:05.000-07:00"

// Timestamp is a wall-clock instant truncated to millisecond precision that
// remembers its original UTC offset.
type Timestamp struct {
	t time.Time
}

// NewTimestamp captures t at millisecond precision, pinning the zone to its
// numeric offset so later formatting reproduces the original offset exactly.
func NewTimestamp(t time.Time) Timestamp {
	_, offset := t.Zone()
	return Timestamp{t: t.Truncate(time.Millisecond).In(time.FixedZone("", offset))}
}

// FromUnixMilli reconstructs a Timestamp from stored millis and offset.
func FromUnixMilli(ms int64, offsetSec int) Timestamp {
	return Timestamp{t: time.UnixMilli(ms).In(time.FixedZone("", offsetSec))}
}

// ParseTimestamp parses the wire layout.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		// Tolerate senders that emit more or fewer sub-second digits.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	return NewTimestamp(t), nil
}

// Time returns the instant with its original fixed-offset location.
func (ts Timestamp) Time() time.Time { return ts.t }

// UnixMilli returns the instant as Unix milliseconds.
func (ts Timestamp) UnixMilli() int64 { return ts.t.UnixMilli() }

// OffsetSeconds returns the original UTC offset in seconds.
func (ts Timestamp) OffsetSeconds() int {
	_, offset := ts.t.Zone()
	return offset
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

// Equal compares instants and offsets. Two timestamps naming the same moment
// in different offsets are not equal on the wire and are not equal here.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.UnixMilli() == other.UnixMilli() && ts.OffsetSeconds() == other.OffsetSeconds()
}

// String formats the wire layout.
func (ts Timestamp) String() string { return ts.t.Format(Layout) }

// MarshalJSON emits the wire layout as a JSON string.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ts.String() + `"`), nil
}

// UnmarshalJSON parses the wire layout from a JSON string.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("timestamp: not a JSON string: %s", data)
	}
	parsed, err := ParseTimestamp(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
