package outpost

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines sync engine configuration.
type Config struct {
	// Collections lists the record collections to synchronize.
	Collections []string

	// Strategy is the conflict resolution strategy.
	// Default: StrategyFieldMerge.
	Strategy Strategy

	// SyncInterval is the periodic sync trigger interval.
	// Default: 30s.
	SyncInterval time.Duration

	// DebounceWindow coalesces bursts of local writes into one sync cycle.
	// Default: 300ms.
	DebounceWindow time.Duration

	// MaxRetries is the number of failed push attempts before a mutation is
	// moved to the dead-letter set. Default: 3.
	MaxRetries int

	// MaxPullPages bounds how many pull pages the engine follows per
	// collection per cycle when the server reports more data. Default: 10.
	MaxPullPages int

	// PushBatchSize caps the number of mutations in one push request.
	// Default: 100.
	PushBatchSize int

	// PhaseTimeout bounds each sync phase (pull, push, apply) per
	// collection. Default: 30s.
	PhaseTimeout time.Duration

	// Backup configures periodic collection snapshots. If nil or Enabled
	// is false, no backups are taken. The Backend cannot come from a
	// config file and must be set programmatically before NewEngine.
	Backup *BackupConfig

	// Logger receives engine logs. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyFieldMerge,
		SyncInterval:   30 * time.Second,
		DebounceWindow: 300 * time.Millisecond,
		MaxRetries:     3,
		MaxPullPages:   10,
		PushBatchSize:  100,
		PhaseTimeout:   30 * time.Second,
	}
}

// fixup fills zero values with defaults.
func (c *Config) fixup() {
	if c.Strategy == "" {
		c.Strategy = StrategyFieldMerge
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 300 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = 10
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = 100
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if len(c.Collections) == 0 {
		return fmt.Errorf("config: at least one collection is required")
	}
	switch c.Strategy {
	case StrategyServerWins, StrategyClientWins, StrategyFieldMerge:
	default:
		return fmt.Errorf("config: %w: %q", ErrUnknownStrategy, c.Strategy)
	}
	return nil
}

// yamlConfig mirrors Config for file loading. YAML has no duration type,
// so durations arrive as strings ("30s", "5m") and are parsed explicitly.
type yamlConfig struct {
	Collections    []string    `yaml:"collections"`
	Strategy       Strategy    `yaml:"strategy"`
	SyncInterval   string      `yaml:"sync_interval"`
	DebounceWindow string      `yaml:"debounce_window"`
	MaxRetries     int         `yaml:"max_retries"`
	MaxPullPages   int         `yaml:"max_pull_pages"`
	PushBatchSize  int         `yaml:"push_batch_size"`
	PhaseTimeout   string      `yaml:"phase_timeout"`
	Backup         *yamlBackup `yaml:"backup"`
}

type yamlBackup struct {
	Enabled     bool   `yaml:"enabled"`
	Interval    string `yaml:"interval"`
	Compression *bool  `yaml:"compression"`
	Password    string `yaml:"password"`
}

func parseDuration(field, value string, out *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", field, value, err)
	}
	*out = d
	return nil
}

// LoadConfig reads a YAML configuration file and applies defaults for any
// unset values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Collections = raw.Collections
	if raw.Strategy != "" {
		cfg.Strategy = raw.Strategy
	}
	if raw.MaxRetries > 0 {
		cfg.MaxRetries = raw.MaxRetries
	}
	if raw.MaxPullPages > 0 {
		cfg.MaxPullPages = raw.MaxPullPages
	}
	if raw.PushBatchSize > 0 {
		cfg.PushBatchSize = raw.PushBatchSize
	}
	if err := parseDuration("sync_interval", raw.SyncInterval, &cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if err := parseDuration("debounce_window", raw.DebounceWindow, &cfg.DebounceWindow); err != nil {
		return Config{}, err
	}
	if err := parseDuration("phase_timeout", raw.PhaseTimeout, &cfg.PhaseTimeout); err != nil {
		return Config{}, err
	}
	if raw.Backup != nil {
		backup := DefaultBackupConfig()
		backup.Enabled = raw.Backup.Enabled
		backup.Password = raw.Backup.Password
		if raw.Backup.Compression != nil {
			backup.Compression = *raw.Backup.Compression
		}
		if err := parseDuration("backup interval", raw.Backup.Interval, &backup.Interval); err != nil {
			return Config{}, err
		}
		cfg.Backup = &backup
	}

	cfg.fixup()
	return cfg, nil
}
