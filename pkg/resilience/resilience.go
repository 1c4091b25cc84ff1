// Package resilience buffers, retries, and deduplicates envelopes across
// unreliable links.
//
// The layer sits between the coordinator and the transport collaborator.
// Outbound envelopes are queued and transmitted with exponential backoff;
// after the retry budget is exhausted an envelope is dropped with a warning,
// never an error — subsequent heartbeats and claims re-establish any state a
// lost straggler carried, so no single envelope's loss affects correctness,
// only timeliness. Inbound bytes are decoded, structurally validated, and
// deduplicated by (origin, sequence). Arrival order is untouched: the
// segment store handles any order, so this layer performs no resequencing.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/wire"
)

// Transport is the boundary any radio/serialization collaborator must
// provide: best-effort, asynchronous delivery that may fail transiently.
type Transport interface {
	// Send transmits one encoded envelope to all reachable peers.
	Send(ctx context.Context, data []byte) error
}

// ErrQueueFull signals that the outbound buffer is at capacity. The caller
// loses nothing durable: the claim is already applied locally, and the next
// heartbeat carries the same causal information.
var ErrQueueFull = errors.New("outbound envelope queue full")

// Config holds the operational tuning for the layer. Zero values are
// replaced with conservative placeholders; production deployments should
// set all of them from validated field measurements (see pkg/config).
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	return c
}

// Layer is one agent's resilience layer.
type Layer struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	out chan wire.Envelope

	mu    sync.Mutex
	dedup *dedup

	wg sync.WaitGroup
}

// New constructs a layer over the given transport.
func New(cfg Config, transport Transport, logger *slog.Logger) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		out:       make(chan wire.Envelope, cfg.QueueSize),
		dedup:     newDedup(),
	}
}

// Start launches the sender goroutine. It drains the outbound queue until
// ctx is cancelled.
func (l *Layer) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case env := <-l.out:
				l.transmit(ctx, env)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sender goroutine has exited.
func (l *Layer) Wait() { l.wg.Wait() }

// Enqueue buffers an envelope for transmission. Never blocks: during a long
// partition the queue can fill, in which case the envelope is dropped with
// ErrQueueFull and a warning.
func (l *Layer) Enqueue(env wire.Envelope) error {
	select {
	case l.out <- env:
		return nil
	default:
		l.logger.Warn("outbound queue full, dropping envelope",
			"origin", env.Origin, "seq", env.Seq,
			"segment", env.Event.Segment, "kind", env.Event.Kind)
		return ErrQueueFull
	}
}

// transmit sends one envelope with retry. Exhausting the budget drops the
// envelope with a warning; it is never fatal.
func (l *Layer) transmit(ctx context.Context, env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		// A locally-built envelope failing encoding is a programming
		// fault; isolate it to this envelope and log loudly.
		l.logger.Error("encode envelope failed, dropping",
			"origin", env.Origin, "seq", env.Seq, "error", err)
		return
	}
	err = retryOp(ctx, backoffConfig{
		maxRetries: l.cfg.MaxRetries,
		baseDelay:  l.cfg.BaseDelay,
		maxDelay:   l.cfg.MaxDelay,
	}, func() error {
		return l.transport.Send(ctx, data)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("retry budget exhausted, dropping envelope",
			"origin", env.Origin, "seq", env.Seq,
			"segment", env.Event.Segment, "kind", env.Event.Kind,
			"retries", l.cfg.MaxRetries, "error", err)
	}
}

// Accept decodes, validates, and deduplicates one inbound frame. ok is
// false for exact-duplicate retransmissions. A malformed frame is rejected
// individually with an error; it never halts the layer.
func (l *Layer) Accept(data []byte) (env wire.Envelope, ok bool, err error) {
	env, err = wire.Decode(data)
	if err != nil {
		return wire.Envelope{}, false, err
	}
	l.mu.Lock()
	duplicate := l.dedup.observe(env.Origin, env.Seq)
	l.mu.Unlock()
	if duplicate {
		l.logger.Debug("duplicate envelope ignored",
			"origin", env.Origin, "seq", env.Seq)
		return env, false, nil
	}
	return env, true, nil
}

// SeenFloor returns the contiguous sequence high-water mark observed from
// an origin. Diagnostics and checkpointing only.
func (l *Layer) SeenFloor(origin model.AgentID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dedup.floorFor(origin)
}
