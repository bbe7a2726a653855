package outpost

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Strategy != StrategyFieldMerge {
		t.Errorf("expected field-level merge default, got %s", cfg.Strategy)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("unexpected sync interval %v", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("unexpected max retries %d", cfg.MaxRetries)
	}
	if cfg.DebounceWindow != 300*time.Millisecond {
		t.Errorf("unexpected debounce window %v", cfg.DebounceWindow)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.validate(); err == nil {
		t.Error("expected an error with no collections")
	}

	cfg.Collections = []string{"orders"}
	if err := cfg.validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.Strategy = "coin-flip"
	if err := cfg.validate(); err == nil {
		t.Error("expected an error for unknown strategy")
	}
}

func TestConfigFixupFillsZeroValues(t *testing.T) {
	cfg := Config{Collections: []string{"orders"}}
	cfg.fixup()

	if cfg.Strategy != StrategyFieldMerge {
		t.Errorf("strategy not defaulted: %s", cfg.Strategy)
	}
	if cfg.SyncInterval <= 0 || cfg.PushBatchSize <= 0 || cfg.MaxPullPages <= 0 {
		t.Errorf("zero values not filled: %+v", cfg)
	}
	if cfg.Logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outpost.yaml")
	data := []byte(`
collections:
  - products
  - orders
strategy: server-wins
sync_interval: 10s
max_retries: 5
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Collections) != 2 || cfg.Collections[0] != "products" {
		t.Errorf("collections not parsed: %v", cfg.Collections)
	}
	if cfg.Strategy != StrategyServerWins {
		t.Errorf("strategy not parsed: %s", cfg.Strategy)
	}
	if cfg.SyncInterval != 10*time.Second {
		t.Errorf("interval not parsed: %v", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("max retries not parsed: %d", cfg.MaxRetries)
	}
	// Unset values fall back to defaults.
	if cfg.PushBatchSize != 100 {
		t.Errorf("expected default push batch size, got %d", cfg.PushBatchSize)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
