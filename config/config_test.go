package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("expected non-nil default config")
	}
	if cfg.Shard.TickHz != 20 {
		t.Errorf("expected tick_hz 20, got %d", cfg.Shard.TickHz)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("expected store type 'memory', got %q", cfg.Store.Type)
	}
	if cfg.Handoff.DelayMs != 60 {
		t.Errorf("expected handoff delay 60ms, got %d", cfg.Handoff.DelayMs)
	}
	if cfg.Heuristic.Type != "gridcell" {
		t.Errorf("expected heuristic type 'gridcell', got %q", cfg.Heuristic.Type)
	}
	if cfg.Simulator.Variant != "linear" {
		t.Errorf("expected simulator variant 'linear', got %q", cfg.Simulator.Variant)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate cleanly: %v", err)
	}
}

func TestConfig_TickPeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shard.TickHz = 20
	if got, want := cfg.TickPeriod(), 50_000_000; got.Nanoseconds() != int64(want) {
		t.Errorf("expected tick period 50ms, got %v", got)
	}

	cfg.Shard.TickHz = 0
	if got := cfg.TickPeriod(); got.Milliseconds() != 50 {
		t.Errorf("expected fallback 50ms tick period for tick_hz=0, got %v", got)
	}
}

func TestConfig_HandoffDelayUs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Handoff.DelayMs = 60
	if got := cfg.HandoffDelayUs(); got != 60_000 {
		t.Errorf("expected 60000us, got %d", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"invalid store type", func(c *Config) { c.Store.Type = "mongo" }, true},
		{"redis missing address", func(c *Config) {
			c.Store.Type = "redis"
			c.Store.Redis.Address = ""
		}, true},
		{"redis with address", func(c *Config) {
			c.Store.Type = "redis"
			c.Store.Redis.Address = "localhost:6379"
		}, false},
		{"badger missing path", func(c *Config) {
			c.Store.Type = "badger"
			c.Store.Badger.Path = ""
		}, true},
		{"badger with path", func(c *Config) {
			c.Store.Type = "badger"
			c.Store.Badger.Path = "./data"
		}, false},
		{"naive without peer", func(c *Config) {
			c.Handoff.Naive = true
			c.Handoff.NaivePeer = ""
		}, true},
		{"naive with peer", func(c *Config) {
			c.Handoff.Naive = true
			c.Handoff.NaivePeer = "peer-1"
		}, false},
		{"invalid heuristic type", func(c *Config) { c.Heuristic.Type = "octree" }, true},
		{"invalid simulator variant", func(c *Config) { c.Simulator.Variant = "bounce" }, true},
		{"invalid log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"invalid log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"tick_hz zero", func(c *Config) { c.Shard.TickHz = 0 }, true},
		{"tick_hz too high", func(c *Config) { c.Shard.TickHz = 5000 }, true},
		{"metrics port zero", func(c *Config) { c.Metrics.Port = 0 }, true},
		{"metrics port too high", func(c *Config) { c.Metrics.Port = 70000 }, true},
		{"handoff delay zero", func(c *Config) { c.Handoff.DelayMs = 0 }, true},
		{"heuristic rows zero", func(c *Config) { c.Heuristic.Rows = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got error=%v (%v)", tt.wantErr, err != nil, err)
			}
		})
	}
}

func TestValidateWithDetails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "invalid"
	cfg.Log.Level = "invalid"

	err := ValidateWithDetails(cfg)
	if err == nil {
		t.Fatal("expected validation error details")
	}

	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(details) == 0 {
		t.Fatal("expected non-empty validation details")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "Store.Type", Message: "must be one of [memory badger redis]", Value: "mongo"},
	}
	msg := errs.Error()
	if msg == "" {
		t.Error("expected non-empty error message")
	}

	empty := ValidationErrors{}
	if empty.Error() != "no validation errors" {
		t.Errorf("expected 'no validation errors', got %q", empty.Error())
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shard.ID = "shard-a"
	s := cfg.String()
	if s == "" {
		t.Error("expected non-empty string representation")
	}
	// Redis password must never leak into the string form.
	cfg.Store.Type = "redis"
	cfg.Store.Redis.Password = "super-secret"
	if s := cfg.String(); contains(s, "super-secret") {
		t.Error("expected redis password to be excluded from String()")
	}
}

func contains(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) >= len(needle) &&
		(func() bool {
			for i := 0; i+len(needle) <= len(haystack); i++ {
				if haystack[i:i+len(needle)] == needle {
					return true
				}
			}
			return false
		})()
}

func TestFormatValidationError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "invalid"
	err := ValidateWithDetails(cfg)
	details, ok := err.(ValidationErrors)
	if !ok || len(details) == 0 {
		t.Fatal("expected validation error details for invalid store type")
	}
	found := false
	for _, d := range details {
		if d.Message != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected at least one formatted validation message")
	}
}

func TestLoader_Get_Set_Print(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if got := loader.GetString("store.type"); got != "memory" {
		t.Errorf("expected store.type 'memory', got %q", got)
	}
	if got := loader.GetInt("shard.tick_hz"); got != 20 {
		t.Errorf("expected shard.tick_hz 20, got %d", got)
	}

	if err := loader.Set("shard.tick_hz", 30); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := loader.GetInt("shard.tick_hz"); got != 30 {
		t.Errorf("expected shard.tick_hz 30 after Set, got %d", got)
	}

	if out := loader.Print(); out == "" {
		t.Error("expected non-empty Print() output")
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("expected default store type 'memory', got %q", cfg.Store.Type)
	}
}

func TestLoadOrDie(t *testing.T) {
	cfg := LoadOrDie("", nil)
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid config file")
		}
	}()
	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `shard:
  id: shard-a
  tick_hz: 30
store:
  type: memory
handoff:
  delay_ms: 80
log:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Shard.ID != "shard-a" {
		t.Errorf("expected shard id 'shard-a', got %q", cfg.Shard.ID)
	}
	if cfg.Shard.TickHz != 30 {
		t.Errorf("expected tick_hz 30, got %d", cfg.Shard.TickHz)
	}
	if cfg.Handoff.DelayMs != 80 {
		t.Errorf("expected handoff delay 80, got %d", cfg.Handoff.DelayMs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %q", cfg.Log.Level)
	}
	// Values absent from the file should still carry forward from defaults.
	if cfg.Heuristic.Type != "gridcell" {
		t.Errorf("expected default heuristic type to survive partial file load, got %q", cfg.Heuristic.Type)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	payload := map[string]interface{}{
		"shard": map[string]interface{}{
			"id":      "shard-b",
			"tick_hz": 40,
		},
		"log": map[string]interface{}{
			"level": "warn",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	if err := os.WriteFile(configPath, raw, 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	loader := NewLoader()
	cfg, err := loader.Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Shard.ID != "shard-b" {
		t.Errorf("expected shard id 'shard-b', got %q", cfg.Shard.ID)
	}
	if cfg.Shard.TickHz != 40 {
		t.Errorf("expected tick_hz 40, got %d", cfg.Shard.TickHz)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level 'warn', got %q", cfg.Log.Level)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	loader := NewLoader()
	_, err := loader.Load("/nonexistent/config.yaml", nil)
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte("tick_hz = 20"), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	loader := NewLoader()
	_, err := loader.Load(configPath, nil)
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	if err := os.Setenv("ATLASNET_SHARD_ID", "env-shard"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	if err := os.Setenv("ATLASNET_HANDOFF_DELAY_MS", "99"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	if err := os.Setenv("ATLASNET_TICK_HZ", "15"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	defer func() {
		os.Unsetenv("ATLASNET_SHARD_ID")
		os.Unsetenv("ATLASNET_HANDOFF_DELAY_MS")
		os.Unsetenv("ATLASNET_TICK_HZ")
	}()

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.Shard.ID != "env-shard" {
		t.Errorf("expected shard id from ATLASNET_SHARD_ID, got %q", cfg.Shard.ID)
	}
	if cfg.Handoff.DelayMs != 99 {
		t.Errorf("expected handoff delay 99 from env, got %d", cfg.Handoff.DelayMs)
	}
	if cfg.Shard.TickHz != 15 {
		t.Errorf("expected tick_hz 15 from env, got %d", cfg.Shard.TickHz)
	}
}

func TestLoader_StoreURLEnvVar(t *testing.T) {
	if err := os.Setenv("ATLASNET_STORE_URL", "redis://cache.internal:6380"); err != nil {
		t.Skipf("cannot set environment variable: %v", err)
	}
	defer os.Unsetenv("ATLASNET_STORE_URL")

	loader := NewLoader()
	cfg, err := loader.Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Type != "redis" {
		t.Errorf("expected store type 'redis' from ATLASNET_STORE_URL, got %q", cfg.Store.Type)
	}
	if cfg.Store.Redis.Address != "cache.internal:6380" {
		t.Errorf("expected redis address 'cache.internal:6380', got %q", cfg.Store.Redis.Address)
	}
}

func TestLoader_Overrides(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load("", map[string]interface{}{
		"handoff": map[string]interface{}{
			"delay_ms": 120,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Handoff.DelayMs != 120 {
		t.Errorf("expected override delay_ms 120, got %d", cfg.Handoff.DelayMs)
	}
}

func TestCustomValidators(t *testing.T) {
	t.Run("host validator accepts a host:port address", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Type = "redis"
		cfg.Store.Redis.Address = "cache.internal:6380"
		if err := cfg.Validate(); err != nil {
			t.Errorf("valid redis address should not cause validation error: %v", err)
		}
	})

	t.Run("host validator rejects a space in the address", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Type = "redis"
		cfg.Store.Redis.Address = "cache internal:6380"
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for redis address containing a space")
		}
	})

	t.Run("badger path has no existence check", func(t *testing.T) {
		// BadgerStore creates its data directory on Open, so Badger.Path
		// carries no filesystem-existence tag: a not-yet-created path is fine.
		tmpDir := t.TempDir()
		cfg := DefaultConfig()
		cfg.Store.Type = "badger"
		cfg.Store.Badger.Path = filepath.Join(tmpDir, "not-yet-created")
		if err := cfg.Validate(); err != nil {
			t.Errorf("non-existent badger path should not cause validation error: %v", err)
		}
	})
}
