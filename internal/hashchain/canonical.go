package hashchain

import (
	"encoding/binary"

	"diaryd/internal/event"
)

// Payload kind tags for the canonical encoding.
const (
	kindRecorded byte = 1
	kindNoBleed  byte = 2
	kindUnknown  byte = 3
	kindDeleted  byte = 4
)

// canonicalEncode produces the compact binary form of an event's immutable
// fields: fixed-width big-endian integers and length-prefixed strings, in a
// fixed field order. The encoding covers identity, attribution, the client
// timestamp with its offset, the chain position, and the payload variant.
// It excludes synced_at and the local store sequence.
func canonicalEncode(e *event.Event) []byte {
	var buf []byte

	buf = append(buf, e.EventID[:]...)
	buf = append(buf, e.RecordID[:]...)

	if e.ParentRecordID != nil {
		buf = append(buf, 1)
		buf = append(buf, e.ParentRecordID[:]...)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, e.DeviceID[:]...)
	buf = appendString(buf, e.UserID)
	buf = appendTimestamp(buf, e.ClientTime)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.ChainSeq))

	switch p := e.Payload.(type) {
	case event.Recorded:
		buf = append(buf, kindRecorded)
		buf = appendTimestamp(buf, p.Start)
		if p.End != nil {
			buf = append(buf, 1)
			buf = appendTimestamp(buf, *p.End)
		} else {
			buf = append(buf, 0)
		}
		if p.Intensity != nil {
			buf = append(buf, 1)
			buf = appendString(buf, string(*p.Intensity))
		} else {
			buf = append(buf, 0)
		}
		buf = appendString(buf, p.Notes)
		buf = appendString(buf, p.StartZone)
		buf = appendString(buf, p.EndZone)
	case event.NoBleed:
		buf = append(buf, kindNoBleed)
		buf = appendTimestamp(buf, p.At)
		buf = appendString(buf, p.Notes)
	case event.Unknown:
		buf = append(buf, kindUnknown)
		buf = appendTimestamp(buf, p.At)
	case event.Deleted:
		buf = append(buf, kindDeleted)
		buf = appendString(buf, p.Reason)
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendTimestamp(buf []byte, ts event.Timestamp) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixMilli()))
	return binary.BigEndian.AppendUint32(buf, uint32(int32(ts.OffsetSeconds())))
}
