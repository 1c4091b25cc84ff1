package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/agrimesh/agrimesh/pkg/config"
	"github.com/agrimesh/agrimesh/pkg/coordinator"
	"github.com/agrimesh/agrimesh/pkg/journal"
	"github.com/agrimesh/agrimesh/pkg/model"
	"github.com/agrimesh/agrimesh/pkg/resilience"
	"github.com/agrimesh/agrimesh/pkg/segstore"
	"github.com/agrimesh/agrimesh/pkg/transport/wsmesh"
)

var (
	_ coordinator.Outbound   = (*resilience.Layer)(nil)
	_ coordinator.Checkpoint = (*journal.Journal)(nil)
)

// daemonOptions are the flag overrides applied on top of the config file.
type daemonOptions struct {
	configPath  string
	agentID     string
	listen      string
	journalPath string
	logLevel    string
	peers       []string
	claims      []string
}

// daemon holds the wired-up coordination stack for one agent.
type daemon struct {
	cfg    config.Config
	self   model.AgentID
	claims []model.SegmentID
	logger *slog.Logger

	jnl   *journal.Journal // nil when persistence is disabled
	store *segstore.Store
	layer *resilience.Layer
	coord *coordinator.Coordinator
	mesh  *wsmesh.Mesh
}

// newDaemon loads configuration, rehydrates persisted state, and wires the
// journal, segment store, coordinator, resilience layer, and mesh together.
func newDaemon(opts daemonOptions) (*daemon, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.agentID != "" {
		cfg.AgentID = opts.agentID
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.journalPath != "" {
		cfg.JournalPath = opts.journalPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if len(opts.peers) > 0 {
		cfg.Peers = opts.peers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.AgentID == "" {
		cfg.AgentID = "agent-" + uuid.NewString()
		logger.Warn("no agent id configured, generated one for this run",
			"agent", cfg.AgentID)
	}
	self := model.AgentID(cfg.AgentID)
	logger = logger.With("agent", self)

	d := &daemon{
		cfg:    cfg,
		self:   self,
		logger: logger,
		store:  segstore.New(),
	}
	for _, s := range opts.claims {
		d.claims = append(d.claims, model.SegmentID(s))
	}

	coordCfg := coordinator.Config{
		Self:            self,
		HeartbeatEvery:  cfg.Heartbeat,
		ExpireAfter:     cfg.ExpireAfter,
		CheckpointEvery: cfg.CheckpointEvery,
	}

	if cfg.JournalPath != "" {
		jnl, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		d.jnl = jnl
		coordCfg.Checkpoint = jnl

		clk, err := jnl.LoadClock()
		if err != nil {
			return nil, fmt.Errorf("rehydrate clock: %w", err)
		}
		coordCfg.InitialClock = clk
		coordCfg.InitialSeq, err = jnl.LoadSeq()
		if err != nil {
			return nil, fmt.Errorf("rehydrate sequence mark: %w", err)
		}
		records, err := jnl.LoadRecords()
		if err != nil {
			return nil, fmt.Errorf("rehydrate segment records: %w", err)
		}
		if err := d.store.Restore(records); err != nil {
			return nil, fmt.Errorf("rehydrate segment records: %w", err)
		}
		logger.Info("rehydrated from journal",
			"path", cfg.JournalPath, "records", len(records), "seq", coordCfg.InitialSeq)
	}

	// Inbound path: mesh frame -> decode/validate/dedup -> coordinator.
	// The closure reads d.layer and d.coord, which are assigned below
	// before the mesh starts reading.
	d.mesh = wsmesh.New(cfg.Listen, cfg.Peers, func(data []byte) {
		env, ok, err := d.layer.Accept(data)
		if err != nil {
			logger.Warn("rejecting inbound frame", "error", err)
			return
		}
		if !ok {
			return
		}
		_ = d.coord.Deliver(env)
	}, logger)

	d.layer = resilience.New(resilience.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		QueueSize:  cfg.Retry.QueueSize,
	}, d.mesh, logger)

	d.coord, err = coordinator.New(coordCfg, d.store, d.layer, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// run starts every component and blocks until SIGINT/SIGTERM.
func (d *daemon) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.layer.Start(ctx)
	if err := d.mesh.Start(ctx); err != nil {
		return err
	}

	// Surface phase transitions for local equipment control. The daemon
	// only logs them; the motion-control collaborator consumes the same
	// channel in a real installation.
	go func() {
		for tr := range d.coord.Transitions() {
			d.logger.Info("segment transition",
				"segment", tr.Segment, "from", tr.From.String(),
				"to", tr.To.String(), "reason", tr.Reason)
		}
	}()

	// Startup claims from the field-planning collaborator.
	for _, seg := range d.claims {
		if err := d.coord.RequestSegment(seg); err != nil {
			d.logger.Warn("startup claim not queued", "segment", seg, "error", err)
		}
	}

	d.logger.Info("agrimeshd running",
		"listen", d.cfg.Listen, "peers", len(d.cfg.Peers),
		"heartbeat", d.cfg.Heartbeat, "expire_after", d.cfg.ExpireAfter)

	err := d.coord.Run(ctx)

	d.logger.Info("agrimeshd stopping",
		"clock", d.coord.LocalClockSnapshot(), "fleet_frontier", d.coord.FleetFrontier())

	d.layer.Wait()
	d.mesh.Wait()
	if d.jnl != nil {
		if cerr := d.jnl.Close(); cerr != nil {
			d.logger.Warn("close journal", "error", cerr)
		}
	}
	return err
}

// newLogger builds the daemon's slog logger at the configured level.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
