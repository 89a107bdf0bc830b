package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/logging"
	"github.com/runnerr0/tabtime/internal/storage"
)

// loadConfig reads --config when given, otherwise the default config
// file, creating it with defaults on first use.
func loadConfig(globals *GlobalFlags) (*config.Config, error) {
	if globals != nil && globals.Config != "" {
		return config.Load(globals.Config)
	}
	return config.LoadOrCreate()
}

// openEnv resolves the config and store a command runs against. Injected
// values are used as is; anything missing comes from the config file and
// the database it names. The returned func releases what openEnv opened.
func openEnv(globals *GlobalFlags, cfg *config.Config, store *storage.SQLiteStore) (*config.Config, *storage.SQLiteStore, func(), error) {
	release := func() {}
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(globals); err != nil {
			return nil, nil, release, fmt.Errorf("load config: %w", err)
		}
	}
	if store != nil {
		return cfg, store, release, nil
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, nil, release, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, nil, release, fmt.Errorf("create database directory: %w", err)
	}

	store, db, err := storage.Open(dbPath, cfg.Storage.SQLiteJournalMode)
	if err != nil {
		return nil, nil, release, err
	}
	return cfg, store, func() {
		store.Close()
		db.Close()
	}, nil
}

// newLogger returns a console logger on stderr with --verbose, and a
// no-op logger otherwise so command output stays clean.
func newLogger(globals *GlobalFlags, cfg *config.Config) (*zap.Logger, error) {
	if globals == nil || !globals.Verbose {
		return zap.NewNop(), nil
	}
	lc := cfg.Logging
	lc.Level = "debug"
	lc.Encoding = "console"
	lc.File = ""
	return logging.New(lc)
}

func clockOrWall(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.New()
	}
	return c
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use d, h, w, or m suffix)", s)
	}
}

// formatDurationHuman formats a duration into a human-readable string like "30 days".
func formatDurationHuman(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours > 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// formatMillis renders an epoch-millisecond timestamp in UTC.
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
