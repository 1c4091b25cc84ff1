// Package coordinator runs one agent's coordination process.
//
// A single event-loop goroutine owns the agent's vector clock and segment
// store (single-writer discipline): it ingests local claim intents, inbound
// envelopes, and timer ticks through one select, so no two code paths ever
// mutate coordination state concurrently. Other local components read
// ownership through snapshot queries.
//
// Claims are optimistic: the agent applies its claim locally, transitions
// to owning immediately, and reverses only if a concurrent conflict later
// resolves against it. The coordinator never blocks waiting for a remote
// acknowledgement — the network may be partitioned indefinitely, and every
// transition is driven by locally-available state.
//
// Ownership starts provisional and upgrades to confirmed once every known
// peer has demonstrably observed the winning claim (see pkg/frontier).
// Downstream equipment control must treat provisional ownership as
// advisory.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agrimesh/agrimesh/pkg/frontier"
	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/segstore"
	"github.com/agrimesh/agrimesh/pkg/vclock"
	"github.com/agrimesh/agrimesh/pkg/wire"
)

// Phase is the per-segment state of this agent's claim machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingClaim
	PhaseOwning
	PhaseReleasing
)

// String returns the phase name for logs and test failures.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingClaim:
		return "awaiting-claim"
	case PhaseOwning:
		return "owning"
	case PhaseReleasing:
		return "releasing"
	}
	return "invalid"
}

// Status qualifies an ownership answer.
type Status int

const (
	// Provisional ownership may still be reversed by a concurrent claim
	// not yet observed.
	Provisional Status = iota
	// Confirmed ownership has been observed by every known peer.
	Confirmed
)

// String returns the status name.
func (s Status) String() string {
	if s == Confirmed {
		return "confirmed"
	}
	return "provisional"
}

// Reason explains a phase transition to the consumer.
type Reason string

const (
	ReasonClaimWon     Reason = "claim-won"
	ReasonClaimLost    Reason = "claim-lost"
	ReasonLostConflict Reason = "lost-conflict"
	ReasonConfirmed    Reason = "confirmed"
	ReasonReleased     Reason = "released"
	ReasonExpired      Reason = "expired"
)

// Transition is delivered to the equipment-control consumer whenever a
// segment's phase changes. Lost conflicts arrive this way — they are an
// expected business outcome, never an error.
type Transition struct {
	Segment model.SegmentID
	From    Phase
	To      Phase
	Reason  Reason
}

// Outbound accepts envelopes for transmission. *resilience.Layer satisfies
// this; tests inject collectors.
type Outbound interface {
	Enqueue(env wire.Envelope) error
}

// Checkpoint persists coordination state for crash recovery.
// *journal.Journal satisfies this.
type Checkpoint interface {
	SaveClock(c vclock.Clock) error
	SaveSeq(seq uint64) error
	SaveRecords(records []segstore.Record) error
}

// seqBlock is the reservation granularity for outbound sequence numbers.
// The high-water mark is persisted a block ahead of use so a crash can
// never lead to reusing a sequence number for different content; the
// unused remainder of a block becomes a permanent, harmless gap.
const seqBlock = 64

// Config holds the coordinator's identity and timing parameters.
type Config struct {
	Self model.AgentID

	// HeartbeatEvery is the interval between Heartbeat envelopes for each
	// owned segment. Must be well under ExpireAfter.
	HeartbeatEvery time.Duration
	// ExpireEvery is how often liveness expiry is evaluated.
	ExpireEvery time.Duration
	// ExpireAfter is the liveness timeout: a segment with no claim or
	// heartbeat for this long becomes ownerless on any replica.
	ExpireAfter time.Duration
	// CheckpointEvery is the journal checkpoint interval. Ignored when no
	// Checkpoint is configured.
	CheckpointEvery time.Duration

	// Checkpoint is optional; nil disables persistence.
	Checkpoint Checkpoint
	// InitialClock and InitialSeq rehydrate state from a checkpoint.
	InitialClock vclock.Clock
	InitialSeq   uint64

	// Now is the wall-clock source, for liveness only. Defaults to
	// time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatEvery == 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
	if c.ExpireEvery == 0 {
		c.ExpireEvery = c.HeartbeatEvery
	}
	if c.ExpireAfter == 0 {
		c.ExpireAfter = 6 * c.HeartbeatEvery
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type reqOp int

const (
	opClaim reqOp = iota
	opRelinquish
)

type request struct {
	op  reqOp
	seg model.SegmentID
}

// ErrBusy means the coordinator's request queue is full.
var ErrBusy = errors.New("coordinator request queue full")

// ErrInboxFull means the inbound envelope queue is full. The envelope is
// dropped; a retransmission cannot recover it (the resilience layer has
// already marked its sequence number seen), but the origin's next heartbeat
// or claim carries superseding causal state.
var ErrInboxFull = errors.New("coordinator inbound queue full")

// Coordinator is one agent's coordination process.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	out    Outbound
	store  *segstore.Store

	requests chan request
	inbound  chan wire.Envelope

	transitions chan Transition

	// mu guards the fields below for snapshot reads from other
	// goroutines. All writes happen on the event-loop goroutine.
	mu        sync.RWMutex
	clock     vclock.Clock
	phases    map[model.SegmentID]Phase
	claimTick map[model.SegmentID]uint64        // own counter at claim time
	confirmed map[model.SegmentID]bool          // acknowledged by all peers
	observed  map[model.AgentID]vclock.Clock    // per-peer last observed clock
	lastSeen  map[model.AgentID]time.Time       // per-peer last envelope time

	seq         uint64 // last used sequence number
	seqReserved uint64 // persisted reservation ceiling
}

// New constructs a coordinator. The store should already be rehydrated if
// a checkpoint exists.
func New(cfg Config, store *segstore.Store, out Outbound, logger *slog.Logger) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if cfg.Self == "" {
		return nil, fmt.Errorf("coordinator: empty agent id")
	}
	clk := cfg.InitialClock
	if clk == nil {
		clk = vclock.New()
	}
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		out:         out,
		store:       store,
		requests:    make(chan request, 64),
		inbound:     make(chan wire.Envelope, 256),
		transitions: make(chan Transition, 64),
		clock:       clk,
		phases:      make(map[model.SegmentID]Phase),
		claimTick:   make(map[model.SegmentID]uint64),
		confirmed:   make(map[model.SegmentID]bool),
		observed:    make(map[model.AgentID]vclock.Clock),
		lastSeen:    make(map[model.AgentID]time.Time),
		seq:         cfg.InitialSeq,
		seqReserved: cfg.InitialSeq,
	}, nil
}

// RequestSegment asks the coordinator to claim a segment. The claim is
// applied optimistically on the event loop; the outcome arrives on
// Transitions. There is no in-flight request to cancel — relinquishing is
// itself just another event.
func (c *Coordinator) RequestSegment(seg model.SegmentID) error {
	select {
	case c.requests <- request{op: opClaim, seg: seg}:
		return nil
	default:
		return ErrBusy
	}
}

// Relinquish releases a segment this agent owns.
func (c *Coordinator) Relinquish(seg model.SegmentID) error {
	select {
	case c.requests <- request{op: opRelinquish, seg: seg}:
		return nil
	default:
		return ErrBusy
	}
}

// Deliver hands an inbound envelope (already decoded, validated, and
// deduplicated by the resilience layer) to the event loop. Never blocks:
// under overload the envelope is dropped, and the state it carried is
// re-established by the origin's later heartbeats and claims.
func (c *Coordinator) Deliver(env wire.Envelope) error {
	select {
	case c.inbound <- env:
		return nil
	default:
		c.logger.Warn("inbound queue full, dropping envelope",
			"origin", env.Origin, "seq", env.Seq)
		return ErrInboxFull
	}
}

// Transitions returns the channel of phase transitions for the
// equipment-control consumer.
func (c *Coordinator) Transitions() <-chan Transition {
	return c.transitions
}

// OwnerOf reports the current owner of a segment and whether that
// ownership is provisional or confirmed. ok is false for unowned segments.
// The answer is a valid-at-some-recent-point snapshot; consumers must treat
// provisional ownership as advisory.
func (c *Coordinator) OwnerOf(seg model.SegmentID) (model.AgentID, Status, bool) {
	owner, ok := c.store.OwnerOf(seg)
	if !ok {
		return "", Provisional, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if owner == c.cfg.Self {
		if c.confirmed[seg] {
			return owner, Confirmed, true
		}
		return owner, Provisional, true
	}
	st, _ := c.store.State(seg)
	if c.ackedLocked(owner, st.OwnerClock.Get(owner)) {
		return owner, Confirmed, true
	}
	return owner, Provisional, true
}

// Phase returns this agent's claim phase for a segment.
func (c *Coordinator) Phase(seg model.SegmentID) Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phases[seg]
}

// LocalClockSnapshot returns a copy of the agent's clock, for diagnostics
// and audit.
func (c *Coordinator) LocalClockSnapshot() vclock.Clock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Clone()
}

// FleetFrontier returns the entrywise minimum over every peer's observed
// clock: everything at or below it has demonstrably reached the whole
// fleet. Diagnostics and audit; confirmation uses the per-claim
// acknowledgement check instead.
func (c *Coordinator) FleetFrontier() vclock.Clock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return frontier.Compute(c.observed)
}
