// loop.go is the coordinator's event loop: a single goroutine selecting
// over local requests, inbound envelopes, and the heartbeat/expiry/
// checkpoint timers. Every select arm has a timer alternative, so liveness
// expiry runs even when the network is completely silent.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/agrimesh/agrimesh/pkg/frontier"
	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/segstore"
	"github.com/agrimesh/agrimesh/pkg/vclock"
	"github.com/agrimesh/agrimesh/pkg/wire"
)

// Run drives the coordinator until ctx is cancelled. It must be called
// exactly once; all clock and store mutations happen on this goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(c.cfg.HeartbeatEvery)
	defer heartbeat.Stop()
	expiry := time.NewTicker(c.cfg.ExpireEvery)
	defer expiry.Stop()
	checkpoint := time.NewTicker(c.cfg.CheckpointEvery)
	defer checkpoint.Stop()

	for {
		select {
		case req := <-c.requests:
			switch req.op {
			case opClaim:
				c.handleClaim(req.seg)
			case opRelinquish:
				c.handleRelinquish(req.seg)
			}
		case env := <-c.inbound:
			c.handleInbound(env)
		case <-heartbeat.C:
			c.handleHeartbeats()
		case <-expiry.C:
			c.handleExpiry()
		case <-checkpoint.C:
			c.checkpointNow()
		case <-ctx.Done():
			c.checkpointNow()
			return nil
		}
	}
}

// handleClaim applies a local claim intent optimistically: tick, apply,
// transmit, and resolve the outcome from the local replica alone.
func (c *Coordinator) handleClaim(seg model.SegmentID) {
	if p := c.phaseOf(seg); p != PhaseIdle {
		c.logger.Debug("claim request ignored", "segment", seg, "phase", p.String())
		return
	}
	// A claim emitted now would causally dominate any claim we have
	// already observed, so claiming a knowingly-owned segment would
	// steal it. Known ownership loses the claim up front; only claims
	// made in genuine ignorance of each other go to the tie-break.
	if owner, ok := c.store.OwnerOf(seg); ok && owner != c.cfg.Self {
		c.notify(Transition{Segment: seg, From: PhaseIdle, To: PhaseIdle, Reason: ReasonClaimLost})
		c.logger.Info("claim refused, segment already owned", "segment", seg, "owner", owner)
		return
	}
	c.setPhase(seg, PhaseAwaitingClaim)

	outcome, tick, err := c.emit(model.KindClaim, seg)
	if err != nil {
		c.logger.Error("local claim rejected", "segment", seg, "error", err)
		c.setPhase(seg, PhaseIdle)
		return
	}

	if outcome.Owner == c.cfg.Self {
		c.mu.Lock()
		c.phases[seg] = PhaseOwning
		c.claimTick[seg] = tick
		c.confirmed[seg] = false
		c.mu.Unlock()
		c.notify(Transition{Segment: seg, From: PhaseAwaitingClaim, To: PhaseOwning, Reason: ReasonClaimWon})
		return
	}
	// A competing claim already in the replica won the tie-break.
	c.setPhase(seg, PhaseIdle)
	c.notify(Transition{Segment: seg, From: PhaseAwaitingClaim, To: PhaseIdle, Reason: ReasonClaimLost})
	c.logger.Info("claim lost to existing owner", "segment", seg, "owner", outcome.Owner)
}

// handleRelinquish emits a release for an owned segment. The transition to
// idle completes as soon as the release is applied locally; there is no
// remote acknowledgement to wait for.
func (c *Coordinator) handleRelinquish(seg model.SegmentID) {
	if p := c.phaseOf(seg); p != PhaseOwning {
		c.logger.Debug("relinquish ignored", "segment", seg, "phase", p.String())
		return
	}
	c.setPhase(seg, PhaseReleasing)
	c.notify(Transition{Segment: seg, From: PhaseOwning, To: PhaseReleasing, Reason: ReasonReleased})

	if _, _, err := c.emit(model.KindRelease, seg); err != nil {
		c.logger.Error("local release rejected", "segment", seg, "error", err)
	}

	c.mu.Lock()
	c.phases[seg] = PhaseIdle
	delete(c.claimTick, seg)
	delete(c.confirmed, seg)
	c.mu.Unlock()
	c.notify(Transition{Segment: seg, From: PhaseReleasing, To: PhaseIdle, Reason: ReasonReleased})
}

// handleInbound merges a remote envelope: clock merge, store apply, then
// re-evaluation of this agent's own claims against the new state.
func (c *Coordinator) handleInbound(env wire.Envelope) {
	now := c.cfg.Now()

	c.mu.Lock()
	c.clock.Merge(env.Clock)
	c.clock.Tick(c.cfg.Self)
	seen := c.observed[env.Origin]
	if seen == nil {
		seen = env.Clock.Clone()
	} else {
		seen.Merge(env.Clock)
	}
	c.observed[env.Origin] = seen
	c.lastSeen[env.Origin] = now
	c.mu.Unlock()

	outcome, err := c.store.Apply(env.Event, env.Clock, now)
	if err != nil {
		// Structural fault in a single envelope: isolate it, never
		// crash the coordinator.
		c.logger.Error("rejecting inbound envelope",
			"origin", env.Origin, "seq", env.Seq, "error", err)
		return
	}
	if outcome.Stale {
		c.logger.Debug("stale envelope folded away",
			"origin", env.Origin, "seq", env.Seq, "segment", outcome.Segment)
	}

	c.reevaluate(outcome.Segment, outcome.Owner)
	c.refreshConfirmations()
}

// reevaluate checks this agent's claim on one segment against the replica
// after a remote apply. Losing a concurrent conflict surfaces as a phase
// transition, and the superseded claim is released so every replica can
// drop its record.
func (c *Coordinator) reevaluate(seg model.SegmentID, owner model.AgentID) {
	phase := c.phaseOf(seg)
	if (phase != PhaseOwning && phase != PhaseAwaitingClaim) || owner == c.cfg.Self {
		return
	}

	c.mu.Lock()
	c.phases[seg] = PhaseIdle
	delete(c.claimTick, seg)
	delete(c.confirmed, seg)
	c.mu.Unlock()

	c.notify(Transition{Segment: seg, From: phase, To: PhaseIdle, Reason: ReasonLostConflict})
	c.logger.Info("lost segment to concurrent claim",
		"segment", seg, "winner", owner)

	// Withdraw the superseded claim so remote replicas drop our record
	// instead of waiting for it to expire.
	if _, _, err := c.emit(model.KindRelease, seg); err != nil {
		c.logger.Error("release after lost conflict rejected", "segment", seg, "error", err)
	}
}

// refreshConfirmations upgrades owned segments to confirmed once every
// recently-heard peer has observed the claim tick.
func (c *Coordinator) refreshConfirmations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seg, phase := range c.phases {
		if phase != PhaseOwning || c.confirmed[seg] {
			continue
		}
		if c.ackedLocked(c.cfg.Self, c.claimTick[seg]) {
			c.confirmed[seg] = true
			// The transition channel send never blocks, so notifying
			// under mu is safe.
			c.notify(Transition{Segment: seg, From: PhaseOwning, To: PhaseOwning, Reason: ReasonConfirmed})
		}
	}
}

// handleHeartbeats emits a heartbeat for every owned segment, keeping
// liveness fresh without relinquishing ownership.
func (c *Coordinator) handleHeartbeats() {
	c.mu.RLock()
	var owned []model.SegmentID
	for seg, phase := range c.phases {
		if phase == PhaseOwning {
			owned = append(owned, seg)
		}
	}
	c.mu.RUnlock()

	for _, seg := range owned {
		if _, _, err := c.emit(model.KindHeartbeat, seg); err != nil {
			c.logger.Error("heartbeat rejected", "segment", seg, "error", err)
		}
	}
}

// handleExpiry releases segments whose owner went silent. Logged as an
// advisory event for operational visibility — a crashed peer is part of
// the normal operating envelope, not a fault.
func (c *Coordinator) handleExpiry() {
	released := c.store.ExpireStale(c.cfg.Now(), c.cfg.ExpireAfter)
	for _, seg := range released {
		c.logger.Info("segment released by liveness expiry", "segment", seg)
		if phase := c.phaseOf(seg); phase == PhaseOwning || phase == PhaseAwaitingClaim {
			// Our own heartbeats stopped reaching the store — the
			// loop was stalled longer than the timeout.
			c.mu.Lock()
			c.phases[seg] = PhaseIdle
			delete(c.claimTick, seg)
			delete(c.confirmed, seg)
			c.mu.Unlock()
			c.notify(Transition{Segment: seg, From: phase, To: PhaseIdle, Reason: ReasonExpired})
		}
	}
}

// checkpointNow persists the clock and segment records. Sequence
// reservations are persisted eagerly in emit, not here.
func (c *Coordinator) checkpointNow() {
	if c.cfg.Checkpoint == nil {
		return
	}
	c.mu.RLock()
	clk := c.clock.Clone()
	c.mu.RUnlock()
	if err := c.cfg.Checkpoint.SaveClock(clk); err != nil {
		c.logger.Error("checkpoint clock", "error", err)
	}
	if err := c.cfg.Checkpoint.SaveRecords(c.store.Snapshot()); err != nil {
		c.logger.Error("checkpoint segment records", "error", err)
	}
}

// emit ticks the clock, applies the event locally, and queues the envelope
// for transmission. Returns the apply outcome and the own-counter value of
// the tick. Loop goroutine only.
func (c *Coordinator) emit(kind model.ClaimKind, seg model.SegmentID) (outcome segstore.Outcome, tick uint64, err error) {
	// Reserve sequence numbers a block ahead of use. Persisting the
	// ceiling before the first use of the block means a crash can only
	// leave a gap, never a reused sequence number. Emitting past an
	// unpersisted ceiling would break that, so a failed reservation
	// refuses the emission; heartbeats retry on the next tick.
	if c.cfg.Checkpoint != nil && c.seq+1 > c.seqReserved {
		ceiling := c.seq + seqBlock
		if err := c.cfg.Checkpoint.SaveSeq(ceiling); err != nil {
			return segstore.Outcome{}, 0, fmt.Errorf("persist sequence reservation: %w", err)
		}
		c.seqReserved = ceiling
	}
	c.seq++

	c.mu.Lock()
	tick = c.clock.Tick(c.cfg.Self)
	snap := c.clock.Clone()
	c.mu.Unlock()

	event := model.ClaimEvent{Segment: seg, Claimant: c.cfg.Self, Kind: kind}
	outcome, err = c.store.Apply(event, snap, c.cfg.Now())
	if err != nil {
		return outcome, tick, err
	}

	env := wire.Envelope{Origin: c.cfg.Self, Clock: snap, Event: event, Seq: c.seq}
	_ = c.out.Enqueue(env) // a full queue is logged by the layer; never fatal
	return outcome, tick, nil
}

// ackedLocked reports whether every recently-heard peer has observed agent
// owner's counter. Peers silent past the liveness timeout do not gate
// confirmation — a dead peer must not freeze the fleet in provisional
// state. Callers hold c.mu (read or write).
func (c *Coordinator) ackedLocked(owner model.AgentID, counter uint64) bool {
	if counter == 0 {
		return false
	}
	now := c.cfg.Now()
	obs := make(map[model.AgentID]vclock.Clock, len(c.observed))
	for peer, clk := range c.observed {
		if peer == owner {
			continue
		}
		if now.Sub(c.lastSeen[peer]) > c.cfg.ExpireAfter {
			continue
		}
		obs[peer] = clk
	}
	if owner != c.cfg.Self {
		// We are a witness too when judging a remote owner.
		obs[c.cfg.Self] = c.clock
	}
	return frontier.Acknowledged(obs, owner, counter)
}

func (c *Coordinator) phaseOf(seg model.SegmentID) Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phases[seg]
}

func (c *Coordinator) setPhase(seg model.SegmentID, p Phase) {
	c.mu.Lock()
	if p == PhaseIdle {
		delete(c.phases, seg)
	} else {
		c.phases[seg] = p
	}
	c.mu.Unlock()
}

// notify delivers a transition without ever blocking the loop. The channel
// is buffered; if the consumer falls behind, the oldest information is the
// least valuable, so the new transition is dropped with a warning.
func (c *Coordinator) notify(tr Transition) {
	select {
	case c.transitions <- tr:
	default:
		c.logger.Warn("transition consumer lagging, dropping notification",
			"segment", tr.Segment, "reason", tr.Reason)
	}
}
