// Package config provides shard-process configuration management for
// AtlasNet, adapted from goclaw's koanf-based loader: defaults -> file ->
// environment (ATLASNET_*) -> CLI-override precedence, validated with
// go-playground/validator and hot-reloadable via fsnotify.
package config

import (
	"fmt"
	"time"
)

// Config is the configuration for one AtlasNet shard process.
type Config struct {
	// Shard identifies this process and its role.
	Shard ShardConfig `mapstructure:"shard" validate:"required"`

	// Store is the shared key-value store backend (spec.md §1, §6).
	Store StoreConfig `mapstructure:"store" validate:"required"`

	// Handoff tunes the border-crossing transfer protocol (spec.md §4.6, §6).
	Handoff HandoffConfig `mapstructure:"handoff" validate:"required"`

	// Heuristic configures the spatial partition the manifest publishes.
	Heuristic HeuristicConfig `mapstructure:"heuristic"`

	// Simulator configures the debug entity motion model (spec.md §4.10).
	Simulator SimulatorConfig `mapstructure:"simulator"`

	// ConnLease tunes the optional anti-dupe link lease (spec.md §4.3).
	ConnLease ConnLeaseConfig `mapstructure:"connlease"`

	// Watchdog tunes in-flight transfer discrepancy detection (spec.md §4.8).
	Watchdog WatchdogConfig `mapstructure:"watchdog"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Metrics is the Prometheus telemetry server configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ShardConfig identifies this process.
type ShardConfig struct {
	// ID is this shard's NetworkIdentity UUID (ATLASNET_SHARD_ID). Empty
	// means "generate a fresh one at startup" — fine for local dev, fatal
	// for a process expected to retain claims across restarts.
	ID string `mapstructure:"id"`

	// TickHz is the tick loop frequency (ATLASNET_TICK_HZ, default 20).
	TickHz int `mapstructure:"tick_hz" validate:"min=1,max=1000"`
}

// StoreConfig selects and configures the shared kvstore.Store backend.
type StoreConfig struct {
	// Type is one of "memory", "badger", "redis". ATLASNET_STORE_URL
	// overrides this with a scheme-prefixed connection string
	// (redis://..., badger://<path>, memory://).
	Type string `mapstructure:"type" validate:"oneof=memory badger redis"`

	Redis  RedisConfig  `mapstructure:"redis"`
	Badger BadgerConfig `mapstructure:"badger"`
}

// RedisConfig holds Redis connection settings for the RedisStore backend.
type RedisConfig struct {
	Address  string `mapstructure:"address" validate:"host"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

// BadgerConfig holds embedded BadgerDB settings for the BadgerStore backend.
type BadgerConfig struct {
	Path             string `mapstructure:"path"`
	SyncWrites       bool   `mapstructure:"sync_writes"`
	ValueLogFileSize int64  `mapstructure:"value_log_file_size" validate:"min=0"`
}

// HandoffConfig tunes the border-crossing transfer protocol.
type HandoffConfig struct {
	// DelayMs is the agreed transfer delay in milliseconds
	// (ATLASNET_HANDOFF_DELAY_MS, default 60; spec.md §4.6 recommends 60ms).
	DelayMs int `mapstructure:"delay_ms" validate:"min=1"`

	// StateSnapshotIntervalMs bounds telemetry publish and discrepancy
	// probe frequency (spec.md §4.9, default 250ms).
	StateSnapshotIntervalMs int `mapstructure:"state_snapshot_interval_ms" validate:"min=1"`

	// Naive switches the planner to the non-bordered NaiveTarget mode
	// (spec.md §9 "Source patterns"; SPEC_FULL.md §6 NaiveHandoff variant).
	// When true, NaivePeer must name the single forwarding target.
	Naive     bool   `mapstructure:"naive"`
	NaivePeer string `mapstructure:"naive_peer"`
}

// HeuristicConfig configures the spatial partition heuristic a shard pushes
// or claims against (spec.md §4.1).
type HeuristicConfig struct {
	// Type is "gridcell" or "quadtree".
	Type string `mapstructure:"type" validate:"oneof=gridcell quadtree"`

	WorldMinX float64 `mapstructure:"world_min_x"`
	WorldMinY float64 `mapstructure:"world_min_y"`
	WorldMaxX float64 `mapstructure:"world_max_x"`
	WorldMaxY float64 `mapstructure:"world_max_y"`

	// Rows/Cols apply to the gridcell heuristic.
	Rows int `mapstructure:"rows" validate:"min=1"`
	Cols int `mapstructure:"cols" validate:"min=1"`

	// MaxDepth applies to the quadtree heuristic.
	MaxDepth int `mapstructure:"max_depth" validate:"min=1"`
}

// SimulatorConfig configures the DebugEntitySimulator wired into the
// runtime (spec.md §4.10).
type SimulatorConfig struct {
	// Variant is "orbit" or "linear".
	Variant string `mapstructure:"variant" validate:"oneof=orbit linear"`

	SeedCount  int     `mapstructure:"seed_count" validate:"min=0"`
	HalfExtent float64 `mapstructure:"half_extent" validate:"min=0"`

	// Orbit-focused.
	InitialRadius float64 `mapstructure:"initial_radius"`

	// Linear-focused.
	PerimeterRefreshIntervalMs int `mapstructure:"perimeter_refresh_interval_ms" validate:"min=1"`
}

// ConnLeaseConfig tunes the optional per-peer anti-dupe connection lease.
type ConnLeaseConfig struct {
	InactivityTimeoutSeconds int `mapstructure:"inactivity_timeout_seconds" validate:"min=1"`
	LeaseTTLSeconds          int `mapstructure:"lease_ttl_seconds" validate:"min=1"`
}

// WatchdogConfig tunes the transfer discrepancy probe.
type WatchdogConfig struct {
	HolderTTLSeconds  int `mapstructure:"holder_ttl_seconds" validate:"min=1"`
	StaleAfterSeconds int `mapstructure:"stale_after_seconds" validate:"min=1"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

// MetricsConfig holds the Prometheus telemetry server settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// TickPeriod returns the tick loop period derived from Shard.TickHz.
func (c *Config) TickPeriod() time.Duration {
	if c.Shard.TickHz <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(c.Shard.TickHz)
}

// HandoffDelayUs returns Handoff.DelayMs in microseconds, as the planner
// and runtime consume it.
func (c *Config) HandoffDelayUs() uint64 {
	return uint64(c.Handoff.DelayMs) * 1000
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Store.Type == "redis" && c.Store.Redis.Address == "" {
		return fmt.Errorf("config validation failed: store.redis.address is required when store.type=redis")
	}
	if c.Store.Type == "badger" && c.Store.Badger.Path == "" {
		return fmt.Errorf("config validation failed: store.badger.path is required when store.type=badger")
	}
	if c.Handoff.Naive && c.Handoff.NaivePeer == "" {
		return fmt.Errorf("config validation failed: handoff.naive_peer is required when handoff.naive=true")
	}
	return nil
}

// String returns a string representation of the configuration (without
// sensitive data such as the Redis password).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Shard: %s, Store: %s, HandoffDelayMs: %d, TickHz: %d}",
		c.Shard.ID, c.Store.Type, c.Handoff.DelayMs, c.Shard.TickHz)
}
