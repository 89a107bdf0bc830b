package config

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			InactivityThresholdSeconds:        60,
			AudibleInactivityThresholdSeconds: 300,
			OpenCheckpointMinutes:             240,
			ActiveCheckpointMinutes:           120,
			InactivityCheckSeconds:            30,
		},
		Queue: QueueConfig{
			MaxQueueSize:        50,
			MaxWaitMs:           5000,
			MaxRetries:          3,
			RetryBaseDelayMs:    1000,
			DedupeCacheSize:     1000,
			DedupeWindowSeconds: 30,
			DedupeBucketMs:      1000,
			ShutdownTimeoutMs:   3000,
		},
		Checkpoint: CheckpointConfig{
			AlarmName:       "tabtime-checkpoint",
			IntervalMinutes: 30,
		},
		Recovery: RecoveryConfig{
			MaxAgeHours: 168,
		},
		Capture: CaptureConfig{
			TrackedSchemes:  []string{"http", "https"},
			DenylistDomains: []string{},
			DenylistRegex:   []string{},
			StripFragments:  true,
			UseDefaultDeny:  false,
		},
		Storage: StorageConfig{
			Path:              "~/.config/tabtime",
			SQLiteFile:        "tabtime.db",
			SQLiteJournalMode: "wal",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
			File:     "",
		},
	}
}
