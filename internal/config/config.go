// Package config provides configuration loading for patternfield.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Field       FieldConfig       `koanf:"field"`
	Graph       GraphTierConfig   `koanf:"graph"`
	Cache       CacheTierConfig   `koanf:"cache"`
	Analytics   AnalyticsConfig   `koanf:"analytics"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// FieldConfig configures the coordinate index.
type FieldConfig struct {
	// Dimensions is the coordinate dimensionality, fixed at store creation.
	Dimensions int `koanf:"dimensions"`

	// MaxMemories bounds total entries before eviction kicks in.
	MaxMemories int `koanf:"max_memories"`

	// MaxSuperpositionSize bounds candidates materialized per query.
	MaxSuperpositionSize int `koanf:"max_superposition_size"`
}

// GraphTierConfig configures the Neo4j relationship tier. Leaving URI empty
// disables the tier; the coordinator then runs without graph reads.
type GraphTierConfig struct {
	URI      string        `koanf:"uri"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	Database string        `koanf:"database"`
	Timeout  time.Duration `koanf:"timeout"`
}

// CacheTierConfig configures the Redis cache tier. Leaving Addr empty
// disables the tier.
type CacheTierConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AnalyticsConfig configures the SQLite analytics tier. Leaving Path empty
// disables the tier.
type AnalyticsConfig struct {
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

// CoordinatorConfig tunes coordinator lifecycle behavior.
type CoordinatorConfig struct {
	ProbeInterval  time.Duration `koanf:"probe_interval"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	MirrorTimeout  time.Duration `koanf:"mirror_timeout"`
}

// LoggingConfig selects logger output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Field.Dimensions == 0 {
		cfg.Field.Dimensions = 4
	}
	if cfg.Field.MaxMemories == 0 {
		cfg.Field.MaxMemories = 1_000_000
	}
	if cfg.Field.MaxSuperpositionSize == 0 {
		cfg.Field.MaxSuperpositionSize = 50_000
	}

	if cfg.Graph.Timeout == 0 {
		cfg.Graph.Timeout = 5 * time.Second
	}
	if cfg.Graph.Database == "" {
		cfg.Graph.Database = "neo4j"
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 15 * time.Minute
	}
	if cfg.Cache.Timeout == 0 {
		cfg.Cache.Timeout = 2 * time.Second
	}

	if cfg.Analytics.Timeout == 0 {
		cfg.Analytics.Timeout = 5 * time.Second
	}

	if cfg.Coordinator.ProbeInterval == 0 {
		cfg.Coordinator.ProbeInterval = 30 * time.Second
	}
	if cfg.Coordinator.ConnectTimeout == 0 {
		cfg.Coordinator.ConnectTimeout = 10 * time.Second
	}
	if cfg.Coordinator.MirrorTimeout == 0 {
		cfg.Coordinator.MirrorTimeout = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks configuration invariants. Missing tier credentials are
// deliberately not an error: the coordinator falls back to index-only mode
// and reports degraded health instead.
func (c *Config) Validate() error {
	if c.Field.Dimensions < 1 || c.Field.Dimensions > 16 {
		return fmt.Errorf("field.dimensions must be in [1,16], got %d", c.Field.Dimensions)
	}
	if c.Field.MaxMemories < 1 {
		return fmt.Errorf("field.max_memories must be positive, got %d", c.Field.MaxMemories)
	}
	if c.Field.MaxSuperpositionSize < 1 {
		return fmt.Errorf("field.max_superposition_size must be positive, got %d", c.Field.MaxSuperpositionSize)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
