// Package segstore implements the replicated segment-ownership store.
//
// The store is a state-based CRDT: per segment it keeps one record per
// claimant, and each record is a fold of that claimant's events — the join
// of their clock snapshots plus the kind of their causally-latest event.
// Because join is commutative, associative, and idempotent, and because
// events from one claimant are totally ordered by their own counter, the
// record map is a pure function of the set of events observed, regardless
// of delivery order or duplication. Ownership is then a deterministic
// function of the record map, which gives strong eventual consistency:
// replicas that have seen the same events answer OwnerOf identically.
//
// Conflict resolution, in order:
//
//  1. An event whose own counter does not advance its claimant's record is
//     stale — folded away as a no-op.
//  2. A claim whose clock strictly dominates every competing active claim
//     wins outright (the claimant provably knew of the others and claimed
//     anyway, e.g. re-claiming after an expiry).
//  3. Genuinely concurrent active claims resolve to the lexicographically
//     smallest claimant. Every replica picks the same winner without
//     communication.
//  4. A release clears its claimant's own claim; it can never evict a
//     claim it is not causally at-or-after, so a stale release cannot
//     displace a legitimately later claim by someone else.
//  5. A heartbeat refreshes its claimant's clock and liveness without
//     entering the ownership decision any differently than the claim it
//     refreshes.
//
// Wall-clock times attached to records serve liveness expiry only; causal
// ordering always comes from the vector clocks.
//
// The store is written only by its owning coordinator goroutine; reads are
// safe from any goroutine and return valid-at-some-recent-point snapshots.
package segstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/vclock"
)

// ErrNoTick indicates an event clock missing the claimant's own counter.
// Every well-formed event is preceded by a tick, so this is a structural
// fault in the envelope, not a normal coordination outcome.
var ErrNoTick = errors.New("event clock lacks claimant's own tick")

// record is the fold of one claimant's events for one segment.
type record struct {
	clock    vclock.Clock    // join of the claimant's event snapshots
	kind     model.ClaimKind // kind of the claimant's causally-latest event
	lastSeen time.Time       // latest wall-clock receipt; liveness only
}

// SegmentState is a read-only snapshot of one segment's resolved state.
type SegmentState struct {
	Owner      model.AgentID // zero value means unowned
	OwnerClock vclock.Clock
	LastKind   model.ClaimKind
	LastSeen   time.Time
}

// Outcome reports the effect of applying one event.
type Outcome struct {
	Segment model.SegmentID
	Owner   model.AgentID // owner after the apply; zero value means unowned
	Stale   bool          // the event carried no new information
}

// Store is one agent's local replica of segment ownership state.
type Store struct {
	mu       sync.RWMutex
	segments map[model.SegmentID]map[model.AgentID]*record
}

// New returns an empty store.
func New() *Store {
	return &Store{segments: make(map[model.SegmentID]map[model.AgentID]*record)}
}

// Apply folds one event into the replica. It is the single entry point for
// both locally-originated and remotely-received events, and is idempotent:
// replaying an event leaves the state unchanged.
func (s *Store) Apply(ev model.ClaimEvent, evClock vclock.Clock, now time.Time) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	own := evClock.Get(ev.Claimant)
	if own == 0 {
		return Outcome{}, fmt.Errorf("apply %s by %s: %w", ev.Segment, ev.Claimant, ErrNoTick)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.segments[ev.Segment]
	if recs == nil {
		recs = make(map[model.AgentID]*record)
		s.segments[ev.Segment] = recs
	}
	rec := recs[ev.Claimant]
	if rec == nil {
		rec = &record{clock: vclock.New()}
		recs[ev.Claimant] = rec
	}

	stale := own <= rec.clock.Get(ev.Claimant)
	if !stale {
		rec.kind = ev.Kind
		rec.clock.Merge(evClock)
	}
	if now.After(rec.lastSeen) {
		rec.lastSeen = now
	}

	return Outcome{Segment: ev.Segment, Owner: s.ownerLocked(ev.Segment), Stale: stale}, nil
}

// OwnerOf returns the current owner of a segment, or false if unowned.
func (s *Store) OwnerOf(seg model.SegmentID) (model.AgentID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner := s.ownerLocked(seg)
	return owner, owner != ""
}

// State returns a snapshot of one segment's resolved state. ok is false
// when the segment has never been claimed (or all records expired).
func (s *Store) State(seg model.SegmentID) (SegmentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner := s.ownerLocked(seg)
	if owner == "" {
		return SegmentState{}, false
	}
	rec := s.segments[seg][owner]
	return SegmentState{
		Owner:      owner,
		OwnerClock: rec.clock.Clone(),
		LastKind:   rec.kind,
		LastSeen:   rec.lastSeen,
	}, true
}

// Segments returns all segment IDs with at least one record, sorted.
func (s *Store) Segments() []model.SegmentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SegmentID, 0, len(s.segments))
	for seg := range s.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExpireStale drops records whose liveness has lapsed: a crashed or
// disconnected agent must not permanently squat a segment. Returns the
// segments that became unowned, for advisory logging. Release tombstones
// past the timeout are garbage-collected the same way.
func (s *Store) ExpireStale(now time.Time, timeout time.Duration) []model.SegmentID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []model.SegmentID
	for seg, recs := range s.segments {
		hadOwner := s.ownerLocked(seg) != ""
		for claimant, rec := range recs {
			if now.Sub(rec.lastSeen) > timeout {
				delete(recs, claimant)
			}
		}
		if len(recs) == 0 {
			delete(s.segments, seg)
		}
		if hadOwner && s.ownerLocked(seg) == "" {
			released = append(released, seg)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released
}

// ownerLocked resolves ownership for one segment. Callers hold s.mu.
//
// Active claims (latest kind is not Release) compete; a claim strictly
// dominated by another active claim's clock is causally superseded and
// drops out; the smallest claimant among the surviving concurrent claims
// wins.
func (s *Store) ownerLocked(seg model.SegmentID) model.AgentID {
	recs := s.segments[seg]
	if len(recs) == 0 {
		return ""
	}
	var owner model.AgentID
	for claimant, rec := range recs {
		if rec.kind == model.KindRelease {
			continue
		}
		dominated := false
		for other, orec := range recs {
			if other == claimant || orec.kind == model.KindRelease {
				continue
			}
			if rec.clock.Compare(orec.clock) == vclock.Before {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		if owner == "" || claimant < owner {
			owner = claimant
		}
	}
	return owner
}
