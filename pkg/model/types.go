// Package model defines the core domain types for agrimesh.
//
// Agrimesh coordinates a fleet of autonomous field machines over unreliable
// wireless links. Each machine (an "agent") claims exclusive work on
// pre-partitioned field segments. There is no central coordinator: agents
// exchange claim events stamped with vector clocks, and every replica
// resolves conflicts with the same deterministic rule, so all replicas
// converge once connectivity allows.
package model

import "fmt"

// AgentID is an opaque, globally-unique identifier for one machine or
// process participating in coordination. Stable for the lifetime of an
// agent; never reused. The lexicographic order over AgentID is the total
// order used to break concurrent-claim ties.
type AgentID string

// SegmentID identifies a fixed, pre-partitioned field work-area. Segment
// geometry comes from an external field-planning collaborator; this core
// treats the identifier as an atomic key.
type SegmentID string

// ClaimKind enumerates the intents an agent can express about a segment.
type ClaimKind string

const (
	// KindClaim expresses intent to acquire exclusive work on a segment.
	KindClaim ClaimKind = "claim"
	// KindRelease relinquishes a previously claimed segment.
	KindRelease ClaimKind = "release"
	// KindHeartbeat refreshes the liveness of an active claim without
	// changing ownership.
	KindHeartbeat ClaimKind = "heartbeat"
)

// Valid reports whether k is one of the defined claim kinds.
func (k ClaimKind) Valid() bool {
	switch k {
	case KindClaim, KindRelease, KindHeartbeat:
		return true
	}
	return false
}

// ClaimEvent describes one agent's intent toward one segment. It is the
// payload of an Envelope and the unit the segment store folds into state.
type ClaimEvent struct {
	Segment  SegmentID `json:"segment" cbor:"1,keyasint"`
	Claimant AgentID   `json:"claimant" cbor:"2,keyasint"`
	Kind     ClaimKind `json:"kind" cbor:"3,keyasint"`
}

// Validate performs structural validation. A malformed event indicates a
// bug or a corrupt envelope; callers reject the single event rather than
// crash the coordinator.
func (e ClaimEvent) Validate() error {
	if e.Segment == "" {
		return fmt.Errorf("claim event: empty segment id")
	}
	if e.Claimant == "" {
		return fmt.Errorf("claim event: empty claimant")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("claim event: unknown kind %q", e.Kind)
	}
	return nil
}
