// Package wire defines the on-wire envelope and its CBOR codec.
//
// Envelopes travel over constrained agricultural radio links, so the
// encoding is CBOR with integer struct keys (keyasint) and Core
// Deterministic Encoding: smallest integer form, sorted map keys, no
// indefinite-length items. The same logical envelope always produces
// identical bytes, which keeps retransmissions byte-comparable.
//
// The transport collaborator owns framing below this layer; this package
// only guarantees that {origin, clock snapshot, payload, sequence} survive
// the round trip unambiguously.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/vclock"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2).
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are ignored for forward
// compatibility with newer fleet firmware.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Reject duplicate map keys: a clock snapshot with two counters
		// for one agent is ambiguous and must not merge.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope wraps one claim event with the causal context it was emitted
// under. Immutable once constructed.
//
// Seq is a per-origin monotonic counter independent of the clock: the
// clock orders causally, the sequence number detects exact-duplicate
// retransmissions.
type Envelope struct {
	Origin model.AgentID    `cbor:"1,keyasint" json:"origin"`
	Clock  vclock.Clock     `cbor:"2,keyasint" json:"clock"`
	Event  model.ClaimEvent `cbor:"3,keyasint" json:"event"`
	Seq    uint64           `cbor:"4,keyasint" json:"seq"`
}

// Validate performs structural validation. A failing envelope is rejected
// individually; it never crashes the coordinator.
func (e *Envelope) Validate() error {
	if e.Origin == "" {
		return fmt.Errorf("envelope: empty origin")
	}
	if e.Seq == 0 {
		return fmt.Errorf("envelope from %s: zero sequence", e.Origin)
	}
	if len(e.Clock) == 0 {
		return fmt.Errorf("envelope from %s seq %d: empty clock snapshot", e.Origin, e.Seq)
	}
	if e.Clock.Get(e.Origin) == 0 {
		return fmt.Errorf("envelope from %s seq %d: clock lacks origin's own tick", e.Origin, e.Seq)
	}
	if err := e.Event.Validate(); err != nil {
		return fmt.Errorf("envelope from %s seq %d: %w", e.Origin, e.Seq, err)
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(e)
}

// Decode parses and structurally validates an envelope from wire bytes.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
