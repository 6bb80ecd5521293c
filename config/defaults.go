package config

// DefaultConfig returns a Config with sensible defaults for local
// development: an in-memory store, a grid-cell heuristic over a small
// world, and the linear-bounce simulator.
func DefaultConfig() *Config {
	return &Config{
		Shard: ShardConfig{
			TickHz: 20,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Address: "localhost:6379",
				DB:      0,
			},
			Badger: BadgerConfig{
				Path:             "./data/atlasnet",
				SyncWrites:       true,
				ValueLogFileSize: 1073741824, // 1GB
			},
		},
		Handoff: HandoffConfig{
			DelayMs:                 60,
			StateSnapshotIntervalMs: 250,
			Naive:                   false,
		},
		Heuristic: HeuristicConfig{
			Type:      "gridcell",
			WorldMinX: -100,
			WorldMinY: -100,
			WorldMaxX: 100,
			WorldMaxY: 100,
			Rows:      4,
			Cols:      4,
			MaxDepth:  4,
		},
		Simulator: SimulatorConfig{
			Variant:                    "linear",
			SeedCount:                  1,
			HalfExtent:                 0.5,
			InitialRadius:              5,
			PerimeterRefreshIntervalMs: 1000,
		},
		ConnLease: ConnLeaseConfig{
			InactivityTimeoutSeconds: 30,
			LeaseTTLSeconds:          10,
		},
		Watchdog: WatchdogConfig{
			HolderTTLSeconds:  30,
			StaleAfterSeconds: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
	}
}
