// Package config loads the daemon's YAML configuration.
//
// Backoff, heartbeat, and liveness values are operational tuning knobs:
// the right numbers depend on real rural-connectivity latency and loss
// characteristics, so everything is configurable and the defaults are
// deliberately conservative placeholders, not validated recommendations.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Retry tunes the resilience layer's transmission retries.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	QueueSize  int           `yaml:"queue_size"`
}

// Config is the daemon configuration.
type Config struct {
	// AgentID identifies this machine. Generated and printed when empty
	// (see cmd/agrimeshd); a production fleet should pin it.
	AgentID string `yaml:"agent_id"`

	// Listen is the websocket listen address, e.g. ":7330".
	Listen string `yaml:"listen"`
	// Peers are the websocket URLs of the other fleet members, e.g.
	// "ws://10.4.0.12:7330/mesh".
	Peers []string `yaml:"peers"`

	// Heartbeat is the interval between heartbeats per owned segment.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// ExpireAfter is the liveness timeout after which a silent owner's
	// segments become ownerless.
	ExpireAfter time.Duration `yaml:"expire_after"`
	// CheckpointEvery is the journal checkpoint interval.
	CheckpointEvery time.Duration `yaml:"checkpoint_every"`

	Retry Retry `yaml:"retry"`

	// JournalPath is the SQLite journal location. Empty disables
	// crash-recovery persistence.
	JournalPath string `yaml:"journal_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Listen:          ":7330",
		Heartbeat:       5 * time.Second,
		ExpireAfter:     30 * time.Second,
		CheckpointEvery: 30 * time.Second,
		Retry: Retry{
			MaxRetries: 5,
			BaseDelay:  250 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			QueueSize:  256,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot coordinate correctly.
func (c Config) Validate() error {
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat)
	}
	if c.ExpireAfter <= c.Heartbeat {
		return fmt.Errorf("expire_after (%s) must exceed heartbeat (%s), or every owner expires between beats",
			c.ExpireAfter, c.Heartbeat)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive, got %s", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= retry.base_delay (%s)",
			c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	return nil
}
