// Package vclock implements a vector clock.
//
// From Fidge (1988) and Mattern (1989), each participant keeps one counter
// per agent ever observed. Two rules govern the clock:
//
//	Local event: before emitting an event, increment own counter.
//	Message receipt: merge the received clock entrywise (maximum), then
//	     increment own counter for the receive event.
//
// Comparison of two clocks yields Before, After, Equal, or Concurrent —
// unlike a Lamport scalar clock, a vector clock detects genuine concurrency,
// which is what makes deterministic conflict resolution possible without a
// coordinator.
//
// Merge is the join of a join-semilattice: commutative, associative, and
// idempotent. These laws are required for replica convergence, not
// optimizations.
//
// Note: Clock is not goroutine-safe. In this architecture each Clock is
// owned by a single coordinator goroutine (single-writer discipline);
// readers receive copies via Clone.
package vclock

import "github.com/agrimesh/agrimesh/pkg/model"

// Clock maps each observed agent to its logical counter. Absent keys read
// as 0; the map grows as previously-unseen agents appear (fleet membership
// is dynamic — no static pre-registration).
type Clock map[model.AgentID]uint64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means every entry matches.
	Equal Ordering = iota
	// Before means self causally precedes other.
	Before
	// After means self causally follows other.
	After
	// Concurrent means neither clock dominates: the events are causally
	// unrelated.
	Concurrent
)

// String returns the ordering name for logs and test failures.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "invalid"
}

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Get returns the counter for id, 0 if the agent has never been observed.
// Unknown agents are never an error.
func (c Clock) Get(id model.AgentID) uint64 {
	return c[id]
}

// Tick increments the counter for self, creating the entry at 1 if absent.
// Returns the new counter value.
func (c Clock) Tick(self model.AgentID) uint64 {
	c[self]++
	return c[self]
}

// Merge folds other into c, taking the entrywise maximum over the union of
// keys. Merging the same clock twice is a no-op (idempotent).
func (c Clock) Merge(other Clock) {
	for id, n := range other {
		if n > c[id] {
			c[id] = n
		}
	}
}

// Compare returns the causal relation of c to other.
//
//	Before:     every entry of c <= other, at least one strictly less
//	After:      the symmetric case
//	Equal:      all entries match
//	Concurrent: neither dominates
func (c Clock) Compare(other Clock) Ordering {
	var less, greater bool
	for id, n := range c {
		switch o := other[id]; {
		case n < o:
			less = true
		case n > o:
			greater = true
		}
	}
	for id, o := range other {
		if _, ok := c[id]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	}
	return Equal
}

// Clone returns an independent copy of the clock. Used to snapshot the
// coordinator's clock into an immutable envelope.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for id, n := range c {
		out[id] = n
	}
	return out
}

// Dominates reports whether c >= other entrywise (c has observed everything
// other has). Equal clocks dominate each other.
func (c Clock) Dominates(other Clock) bool {
	ord := c.Compare(other)
	return ord == After || ord == Equal
}
