// snapshot.go provides checkpoint support for crash recovery.
//
// A snapshot is the flattened record map. Restoring folds records back in
// with the same monotone rules as Apply, so restoring an old snapshot on
// top of newer state can only be a no-op (under-recovery is safe;
// fabricating progress is impossible through this path).
package segstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/vclock"
)

// Record is one claimant's folded state for one segment, in exportable form.
type Record struct {
	Segment  model.SegmentID
	Claimant model.AgentID
	Clock    vclock.Clock
	Kind     model.ClaimKind
	LastSeen time.Time
}

// Snapshot returns the full record map, sorted by (segment, claimant) for
// deterministic output. Clocks are cloned; the snapshot is independent of
// later store mutations.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for seg, recs := range s.segments {
		for claimant, rec := range recs {
			out = append(out, Record{
				Segment:  seg,
				Claimant: claimant,
				Clock:    rec.clock.Clone(),
				Kind:     rec.kind,
				LastSeen: rec.lastSeen,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Segment != out[j].Segment {
			return out[i].Segment < out[j].Segment
		}
		return out[i].Claimant < out[j].Claimant
	})
	return out
}

// Restore folds checkpointed records into the store. Safe to call on a
// non-empty store: records that carry no new information fold to no-ops.
func (s *Store) Restore(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if r.Segment == "" || r.Claimant == "" || !r.Kind.Valid() {
			return fmt.Errorf("restore: malformed record for segment %q claimant %q", r.Segment, r.Claimant)
		}
		if r.Clock.Get(r.Claimant) == 0 {
			return fmt.Errorf("restore segment %q claimant %q: %w", r.Segment, r.Claimant, ErrNoTick)
		}
		recs := s.segments[r.Segment]
		if recs == nil {
			recs = make(map[model.AgentID]*record)
			s.segments[r.Segment] = recs
		}
		rec := recs[r.Claimant]
		if rec == nil {
			rec = &record{clock: vclock.New()}
			recs[r.Claimant] = rec
		}
		if r.Clock.Get(r.Claimant) > rec.clock.Get(r.Claimant) {
			rec.kind = r.Kind
			rec.clock.Merge(r.Clock)
		}
		if r.LastSeen.After(rec.lastSeen) {
			rec.lastSeen = r.LastSeen
		}
	}
	return nil
}
