// Package hashchain computes and verifies the cryptographic linkage between
// consecutive events in one device's append stream.
//
// Each stored event carries this_hash = SHA-256(prev_hash || canonical
// encoding of the event's immutable fields). The first event in a device
// chain links from the all-zero genesis digest. Sync metadata (synced_at) and
// store-assigned sequence numbers are excluded from the encoding, so marking
// an event synced can never disturb the chain.
package hashchain

import (
	"crypto/sha256"

	"diaryd/internal/event"
)

// Genesis is the well-known prev_hash of the first event in a device chain.
var Genesis [32]byte

// Stamp computes an event's this_hash from the chain tail and the event's
// immutable fields. It must be called exactly once, at append time, before
// the event becomes visible to readers.
func Stamp(prev [32]byte, e *event.Event) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(canonicalEncode(e))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyLink checks a single chain link: next must reference prev's hash and
// next's stored hash must match a recompute from next's own fields. A nil
// prev verifies next as a chain head against the genesis digest.
//
// A mutation of next's fields therefore breaks the link into next itself,
// and the verifier reports the break at next's event id.
func VerifyLink(prev, next *event.Event) bool {
	want := Genesis
	if prev != nil {
		want = prev.ThisHash
	}
	if next.PrevHash != want {
		return false
	}
	return Stamp(next.PrevHash, next) == next.ThisHash
}
