// Package export produces signed audit bundles of the event log for
// compliance review. The integrity verifier runs before anything is written:
// a bundle is only ever produced over a history whose chains verify.
package export

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diaryd/internal/event"
	"diaryd/internal/integrity"
	"diaryd/internal/store"
)

// ErrChainBroken means verification failed and no bundle was produced.
var ErrChainBroken = errors.New("export: chain verification failed")

// Bundle is a signed snapshot of the full event log.
type Bundle struct {
	Version    int               `json:"version"`
	ExportedAt event.Timestamp   `json:"exportedAt"`
	Events     []json.RawMessage `json:"events"`

	// Digest is the SHA-256 over the concatenated event payloads in
	// append order, hex encoded.
	Digest string `json:"digest"`

	// Signature is the Ed25519 signature over the raw digest bytes.
	Signature string `json:"signature"`

	// PublicKey lets the verifier check the signature offline.
	PublicKey string `json:"publicKey"`
}

// BundleVersion is the current bundle format version.
const BundleVersion = 1

// Export verifies every chain in the store, then serializes and signs the
// full log. A broken chain aborts with ErrChainBroken wrapping the first
// failing chain's detail.
func Export(s *store.Store, key ed25519.PrivateKey) (*Bundle, error) {
	report, err := integrity.VerifyStore(s)
	if err != nil {
		return nil, err
	}
	for device, res := range report.Chains {
		if !res.OK {
			return nil, fmt.Errorf("%w: device %s: %s", ErrChainBroken, device, res.String())
		}
	}

	b := &Bundle{
		Version:    BundleVersion,
		ExportedAt: event.NewTimestamp(time.Now().UTC()),
	}

	digest := sha256.New()
	err = s.ForEach(func(e *event.Event) error {
		raw, err := event.MarshalWire(e)
		if err != nil {
			return err
		}
		b.Events = append(b.Events, raw)
		digest.Write(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sum := digest.Sum(nil)
	b.Digest = hex.EncodeToString(sum)
	b.Signature = hex.EncodeToString(ed25519.Sign(key, sum))
	b.PublicKey = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	return b, nil
}

// VerifyBundle recomputes the bundle digest and checks the signature. It
// does not re-verify the embedded chains; use the integrity package on the
// decoded events for that.
func VerifyBundle(b *Bundle) error {
	digest := sha256.New()
	for _, raw := range b.Events {
		digest.Write(raw)
	}
	sum := digest.Sum(nil)

	if hex.EncodeToString(sum) != b.Digest {
		return fmt.Errorf("export: digest mismatch")
	}

	pub, err := hex.DecodeString(b.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("export: invalid public key")
	}
	sig, err := hex.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("export: invalid signature encoding")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), sum, sig) {
		return fmt.Errorf("export: signature verification failed")
	}
	return nil
}

// DecodeEvents parses the bundle's embedded events back into the model, in
// append order.
func (b *Bundle) DecodeEvents() ([]*event.Event, error) {
	events := make([]*event.Event, 0, len(b.Events))
	for i, raw := range b.Events {
		e, err := event.UnmarshalWire(raw)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}
