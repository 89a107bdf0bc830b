package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/tabtime/config.yaml"

// Config holds all tabtime configuration.
type Config struct {
	Tracking   TrackingConfig   `yaml:"tracking"`
	Queue      QueueConfig      `yaml:"queue"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Capture    CaptureConfig    `yaml:"capture"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TrackingConfig struct {
	InactivityThresholdSeconds        int `yaml:"inactivity_threshold_seconds"`
	AudibleInactivityThresholdSeconds int `yaml:"audible_inactivity_threshold_seconds"`
	OpenCheckpointMinutes             int `yaml:"open_checkpoint_minutes"`
	ActiveCheckpointMinutes           int `yaml:"active_checkpoint_minutes"`
	InactivityCheckSeconds            int `yaml:"inactivity_check_seconds"`
}

type QueueConfig struct {
	MaxQueueSize        int `yaml:"max_queue_size"`
	MaxWaitMs           int `yaml:"max_wait_ms"`
	MaxRetries          int `yaml:"max_retries"`
	RetryBaseDelayMs    int `yaml:"retry_base_delay_ms"`
	DedupeCacheSize     int `yaml:"dedupe_cache_size"`
	DedupeWindowSeconds int `yaml:"dedupe_window_seconds"`
	DedupeBucketMs      int `yaml:"dedupe_bucket_ms"`
	ShutdownTimeoutMs   int `yaml:"shutdown_timeout_ms"`
}

type CheckpointConfig struct {
	AlarmName       string `yaml:"alarm_name"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

type RecoveryConfig struct {
	MaxAgeHours int `yaml:"max_age_hours"`
}

type CaptureConfig struct {
	TrackedSchemes  []string `yaml:"tracked_schemes"`
	DenylistDomains []string `yaml:"denylist_domains"`
	DenylistRegex   []string `yaml:"denylist_regex"`
	StripFragments  bool     `yaml:"strip_fragments"`
	UseDefaultDeny  bool     `yaml:"use_default_denylist"`
}

type StorageConfig struct {
	Path              string `yaml:"path"`
	SQLiteFile        string `yaml:"sqlite_file"`
	SQLiteJournalMode string `yaml:"sqlite_journal_mode"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	File     string `yaml:"file"`
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read, contains invalid YAML, or
// fails validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}

	return cfg, nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := ExpandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"tracking.inactivity_threshold_seconds", c.Tracking.InactivityThresholdSeconds},
		{"tracking.audible_inactivity_threshold_seconds", c.Tracking.AudibleInactivityThresholdSeconds},
		{"tracking.open_checkpoint_minutes", c.Tracking.OpenCheckpointMinutes},
		{"tracking.active_checkpoint_minutes", c.Tracking.ActiveCheckpointMinutes},
		{"tracking.inactivity_check_seconds", c.Tracking.InactivityCheckSeconds},
		{"queue.max_queue_size", c.Queue.MaxQueueSize},
		{"queue.max_wait_ms", c.Queue.MaxWaitMs},
		{"queue.retry_base_delay_ms", c.Queue.RetryBaseDelayMs},
		{"queue.dedupe_cache_size", c.Queue.DedupeCacheSize},
		{"queue.dedupe_window_seconds", c.Queue.DedupeWindowSeconds},
		{"queue.dedupe_bucket_ms", c.Queue.DedupeBucketMs},
		{"queue.shutdown_timeout_ms", c.Queue.ShutdownTimeoutMs},
		{"checkpoint.interval_minutes", c.Checkpoint.IntervalMinutes},
		{"recovery.max_age_hours", c.Recovery.MaxAgeHours},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Tracking.AudibleInactivityThresholdSeconds < c.Tracking.InactivityThresholdSeconds {
		return fmt.Errorf("tracking.audible_inactivity_threshold_seconds (%d) must be >= inactivity_threshold_seconds (%d)",
			c.Tracking.AudibleInactivityThresholdSeconds, c.Tracking.InactivityThresholdSeconds)
	}
	if c.Checkpoint.AlarmName == "" {
		return fmt.Errorf("checkpoint.alarm_name is required")
	}
	switch c.Logging.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding)
	}
	return nil
}

// DatabasePath returns the expanded SQLite file location.
func (c *Config) DatabasePath() (string, error) {
	dir, err := ExpandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

func (t TrackingConfig) InactivityThreshold() time.Duration {
	return time.Duration(t.InactivityThresholdSeconds) * time.Second
}

func (t TrackingConfig) AudibleInactivityThreshold() time.Duration {
	return time.Duration(t.AudibleInactivityThresholdSeconds) * time.Second
}

func (t TrackingConfig) OpenCheckpointThreshold() time.Duration {
	return time.Duration(t.OpenCheckpointMinutes) * time.Minute
}

func (t TrackingConfig) ActiveCheckpointThreshold() time.Duration {
	return time.Duration(t.ActiveCheckpointMinutes) * time.Minute
}

func (t TrackingConfig) InactivityCheckInterval() time.Duration {
	return time.Duration(t.InactivityCheckSeconds) * time.Second
}

func (r RecoveryConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeHours) * time.Hour
}
