// dedup.go tracks which (origin, sequence) pairs have already been applied.
//
// CRDT apply is itself idempotent, so replaying a duplicate is safe — the
// dedup table only avoids the redundant work of re-decoding and re-folding
// retransmitted envelopes. Per origin it keeps a contiguous floor (every
// sequence at or below it was seen) plus a sparse set for arrivals above the
// floor. Gaps can be permanent, not just reordering: a sender drops
// envelopes after retry exhaustion or on a full queue, and a restarted
// sender abandons the rest of its reserved sequence block. The sparse set is
// therefore capped; once it overflows, the floor is forced past the oldest
// gap, which keeps memory bounded by the cap rather than the event history.
// A straggler arriving below the forced floor is treated as a duplicate —
// the state it carried is re-established by the origin's next heartbeat.
package resilience

import "github.com/agrimesh/agrimesh/pkg/model"

// maxSparseSeqs caps the per-origin sparse set. Large enough that it is
// only ever reached through permanent sequence loss, not transient
// reordering.
const maxSparseSeqs = 1024

type originSeen struct {
	floor uint64              // all seq <= floor observed (or abandoned)
	above map[uint64]struct{} // sparse seqs > floor
}

type dedup struct {
	origins map[model.AgentID]*originSeen
}

func newDedup() *dedup {
	return &dedup{origins: make(map[model.AgentID]*originSeen)}
}

// observe records (origin, seq) and reports whether it was already seen.
func (d *dedup) observe(origin model.AgentID, seq uint64) (duplicate bool) {
	o := d.origins[origin]
	if o == nil {
		o = &originSeen{above: make(map[uint64]struct{})}
		d.origins[origin] = o
	}
	if seq <= o.floor {
		return true
	}
	if _, ok := o.above[seq]; ok {
		return true
	}
	o.above[seq] = struct{}{}
	o.compact()
	return false
}

// compact advances the floor through contiguous runs, then forces it past
// the oldest gap whenever the sparse set exceeds its cap.
func (o *originSeen) compact() {
	for {
		if _, ok := o.above[o.floor+1]; !ok {
			break
		}
		o.floor++
		delete(o.above, o.floor)
	}
	for len(o.above) > maxSparseSeqs {
		oldest := ^uint64(0)
		for seq := range o.above {
			if seq < oldest {
				oldest = seq
			}
		}
		// Everything up to the oldest retained sequence is abandoned.
		o.floor = oldest
		delete(o.above, oldest)
		for {
			if _, ok := o.above[o.floor+1]; !ok {
				break
			}
			o.floor++
			delete(o.above, o.floor)
		}
	}
}

// floorFor returns the contiguous high-water mark for an origin, 0 if the
// origin has never been heard from. Used for checkpointing.
func (d *dedup) floorFor(origin model.AgentID) uint64 {
	if o := d.origins[origin]; o != nil {
		return o.floor
	}
	return 0
}
