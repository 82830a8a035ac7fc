package event

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func mustTimestamp(t *testing.T, s string) Timestamp {
	t.Helper()
	ts, err := ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q) failed: %v", s, err)
	}
	return ts
}

func TestTimestampPreservesOffset(t *testing.T) {
	cases := []string{
		"2025-10-15T14:30:00.000-05:00",
		"2025-10-15T14:30:00.123+05:30",
		"2024-01-01T00:00:00.000+00:00",
		"2024-06-30T23:59:59.999+14:00",
	}

	for _, s := range cases {
		ts := mustTimestamp(t, s)
		if got := ts.String(); got != s {
			t.Errorf("round-trip %q: got %q", s, got)
		}
	}
}

func TestTimestampMillisecondPrecision(t *testing.T) {
	loc := time.FixedZone("", -5*3600)
	fine := time.Date(2025, 10, 15, 14, 30, 0, 123456789, loc)
	ts := NewTimestamp(fine)

	if got := ts.String(); got != "2025-10-15T14:30:00.123-05:00" {
		t.Errorf("expected millisecond truncation, got %q", got)
	}
}

func TestTimestampNotNormalizedToUTC(t *testing.T) {
	ts := mustTimestamp(t, "2025-10-15T14:30:00.000-05:00")
	if strings.Contains(ts.String(), "Z") {
		t.Errorf("offset was normalized to Z: %q", ts.String())
	}
	if ts.OffsetSeconds() != -5*3600 {
		t.Errorf("expected offset -18000, got %d", ts.OffsetSeconds())
	}
}

func sampleEvent(t *testing.T, p Payload) *Event {
	t.Helper()
	id := uuid.New()
	e := &Event{
		EventID:    id,
		RecordID:   id,
		Payload:    p,
		DeviceID:   uuid.New(),
		UserID:     "patient-007",
		ClientTime: mustTimestamp(t, "2025-10-15T14:31:00.000-05:00"),
		ChainSeq:   3,
		Origin:     OriginLocal,
	}
	e.PrevHash[0] = 0xaa
	e.ThisHash[0] = 0xbb
	return e
}

func roundTrip(t *testing.T, e *Event) *Event {
	t.Helper()
	data, err := MarshalWire(e)
	if err != nil {
		t.Fatalf("MarshalWire failed: %v", err)
	}
	decoded, err := UnmarshalWire(data)
	if err != nil {
		t.Fatalf("UnmarshalWire failed: %v", err)
	}
	return decoded
}

func TestWireRoundTripAllIntensities(t *testing.T) {
	end := mustTimestamp(t, "2025-10-15T14:45:00.500-05:00")

	for _, intensity := range Intensities {
		i := intensity
		e := sampleEvent(t, Recorded{
			Start:     mustTimestamp(t, "2025-10-15T14:30:00.250-05:00"),
			End:       &end,
			Intensity: &i,
			Notes:     "after exercise",
			StartZone: "America/Chicago",
		})

		decoded := roundTrip(t, e)
		r := decoded.Payload.(Recorded)
		if r.Intensity == nil || *r.Intensity != intensity {
			t.Errorf("intensity %s: got %v", intensity, r.Intensity)
		}
		if !r.Start.Equal(e.Payload.(Recorded).Start) {
			t.Errorf("intensity %s: start changed: %s -> %s", intensity, e.Payload.(Recorded).Start, r.Start)
		}
		if r.End == nil || !r.End.Equal(end) {
			t.Errorf("intensity %s: end changed", intensity)
		}
	}
}

func TestWireRoundTripNilIntensity(t *testing.T) {
	e := sampleEvent(t, Recorded{Start: mustTimestamp(t, "2025-10-15T14:30:00.000-05:00")})
	decoded := roundTrip(t, e)

	r := decoded.Payload.(Recorded)
	if r.Intensity != nil {
		t.Errorf("expected nil intensity, got %v", *r.Intensity)
	}
	if !decoded.IsIncomplete() {
		t.Error("entry without end and intensity should be incomplete")
	}
}

func TestWireRoundTripIdentityAndChain(t *testing.T) {
	parent := uuid.New()
	e := sampleEvent(t, Recorded{Start: mustTimestamp(t, "2025-10-15T14:30:00.000-05:00")})
	e.ParentRecordID = &parent

	decoded := roundTrip(t, e)
	if decoded.EventID != e.EventID {
		t.Error("event id changed")
	}
	if decoded.ParentRecordID == nil || *decoded.ParentRecordID != parent {
		t.Error("parent record id changed")
	}
	if decoded.PrevHash != e.PrevHash || decoded.ThisHash != e.ThisHash {
		t.Error("hashes changed")
	}
	if decoded.ChainSeq != e.ChainSeq {
		t.Errorf("chain seq changed: %d -> %d", e.ChainSeq, decoded.ChainSeq)
	}
	if decoded.DeviceID != e.DeviceID || decoded.UserID != e.UserID {
		t.Error("attribution changed")
	}
}

func TestWireRoundTripMarkers(t *testing.T) {
	at := mustTimestamp(t, "2025-10-15T00:00:00.000+01:00")

	noBleed := roundTrip(t, sampleEvent(t, NoBleed{At: at, Notes: "confirmed"}))
	if p, ok := noBleed.Payload.(NoBleed); !ok || !p.At.Equal(at) {
		t.Errorf("no-bleed marker did not survive: %#v", noBleed.Payload)
	}
	if noBleed.IsRealEvent() {
		t.Error("no-bleed marker must not be a real event")
	}

	unknown := roundTrip(t, sampleEvent(t, Unknown{At: at}))
	if _, ok := unknown.Payload.(Unknown); !ok {
		t.Errorf("unknown marker did not survive: %#v", unknown.Payload)
	}

	deleted := roundTrip(t, sampleEvent(t, Deleted{Reason: "entered twice"}))
	if p, ok := deleted.Payload.(Deleted); !ok || p.Reason != "entered twice" {
		t.Errorf("deleted marker did not survive: %#v", deleted.Payload)
	}
	if deleted.Type() != TypeDeleted {
		t.Errorf("expected deleted type, got %s", deleted.Type())
	}
}

func TestUnmarshalRejectsNoBleedWithIntensity(t *testing.T) {
	body := `{
		"id": "` + uuid.NewString() + `",
		"recordId": "` + uuid.NewString() + `",
		"eventType": "recorded",
		"startTime": "2025-10-15T14:30:00.000-05:00",
		"intensity": "dripping",
		"isNoNosebleedsEvent": true,
		"isUnknownEvent": false,
		"deviceUuid": "` + uuid.NewString() + `",
		"userId": "patient-007",
		"createdAt": "2025-10-15T14:31:00.000-05:00",
		"prevHash": "` + strings.Repeat("0", 64) + `",
		"thisHash": "` + strings.Repeat("0", 64) + `"
	}`

	if _, err := UnmarshalWire([]byte(body)); err == nil {
		t.Fatal("expected validation failure for no-nosebleed event carrying intensity")
	}
}

func TestValidate(t *testing.T) {
	start := mustTimestamp(t, "2025-10-15T14:30:00.000-05:00")
	earlier := mustTimestamp(t, "2025-10-15T14:00:00.000-05:00")
	bogus := Intensity("torrential")

	cases := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"minimal recorded", Recorded{Start: start}, false},
		{"missing start", Recorded{}, true},
		{"end before start", Recorded{Start: start, End: &earlier}, true},
		{"bad intensity", Recorded{Start: start, Intensity: &bogus}, true},
		{"no-bleed", NoBleed{At: start}, false},
		{"unknown", Unknown{At: start}, false},
		{"deleted with reason", Deleted{Reason: "duplicate"}, false},
		{"deleted without reason", Deleted{}, true},
		{"nil payload", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.payload)
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
