// Package config loads rewind settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/state"
)

// Config holds process-wide settings. Command-line flags override these.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `env:"REWIND_DB" envDefault:"rewind.db"`
	// Compression names the codec for new snapshots.
	Compression string `env:"REWIND_COMPRESSION" envDefault:"zstd"`
	// UpdatePolicy decides how replay treats an UPDATE for an absent resource.
	UpdatePolicy string `env:"REWIND_UPDATE_POLICY" envDefault:"ignore"`
	// ReplayTimeout bounds a single replay. Zero disables it.
	ReplayTimeout time.Duration `env:"REWIND_REPLAY_TIMEOUT" envDefault:"30s"`
	// SnapshotWorkers caps concurrent snapshot creation for --all.
	SnapshotWorkers int `env:"REWIND_SNAPSHOT_WORKERS" envDefault:"4"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: REWIND_DB must not be empty")
	}
	if _, err := snapshot.NewCodec(c.Compression); err != nil {
		return fmt.Errorf("config: REWIND_COMPRESSION: %w", err)
	}
	if _, err := state.ParseUpdatePolicy(c.UpdatePolicy); err != nil {
		return fmt.Errorf("config: REWIND_UPDATE_POLICY: %w", err)
	}
	if c.ReplayTimeout < 0 {
		return fmt.Errorf("config: REWIND_REPLAY_TIMEOUT must not be negative")
	}
	if c.SnapshotWorkers < 1 {
		return fmt.Errorf("config: REWIND_SNAPSHOT_WORKERS must be at least 1")
	}
	return nil
}

// Policy returns the parsed update policy. Call after Validate.
func (c Config) Policy() state.UpdatePolicy {
	p, err := state.ParseUpdatePolicy(c.UpdatePolicy)
	if err != nil {
		return state.PolicyIgnore
	}
	return p
}
