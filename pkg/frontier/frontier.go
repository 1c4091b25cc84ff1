// Package frontier computes the acknowledgement frontier across a fleet.
//
// Every envelope an agent receives carries the sender's full clock snapshot,
// so each agent knows, per peer, the most advanced clock that peer has
// demonstrably observed. The frontier is the entrywise minimum over those
// clocks: everything at or below the frontier has been observed by every
// known peer.
//
// The coordinator uses the frontier to upgrade segment ownership from
// provisional to confirmed: a claim is confirmed once every known peer has
// observed the claim's tick and no conflicting claim has displaced it. With
// no known peers the frontier is empty and ownership stays provisional —
// an isolated agent can never rule out an unseen concurrent claim.
package frontier

import (
	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/vclock"
)

// Compute returns the entrywise minimum over the observed peer clocks.
// An agent absent from any peer's clock has frontier counter 0.
func Compute(observed map[model.AgentID]vclock.Clock) vclock.Clock {
	f := vclock.New()
	if len(observed) == 0 {
		return f
	}
	// Union of agents mentioned by any peer.
	for _, clk := range observed {
		for id := range clk {
			f[id] = 0
		}
	}
	for id := range f {
		min := ^uint64(0)
		for _, clk := range observed {
			if n := clk.Get(id); n < min {
				min = n
			}
		}
		f[id] = min
	}
	return f
}

// Acknowledged reports whether every known peer has observed agent id at or
// beyond counter. False when there are no known peers: acknowledgement
// requires at least one independent observation.
func Acknowledged(observed map[model.AgentID]vclock.Clock, id model.AgentID, counter uint64) bool {
	if len(observed) == 0 {
		return false
	}
	for _, clk := range observed {
		if clk.Get(id) < counter {
			return false
		}
	}
	return true
}
