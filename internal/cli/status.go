package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/storage"
)

// kindOrder is the display order for per-kind counts.
var kindOrder = []domain.Kind{
	domain.KindOpenTimeStart,
	domain.KindOpenTimeEnd,
	domain.KindActiveTimeStart,
	domain.KindActiveTimeEnd,
	domain.KindCheckpoint,
}

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string           `json:"version"`
	DatabasePath      string           `json:"database_path"`
	DatabaseSizeBytes int64            `json:"database_size_bytes"`
	SchemaVersion     int              `json:"schema_version"`
	TotalEvents       int64            `json:"total_events"`
	Unprocessed       int64            `json:"unprocessed"`
	Recovered         int64            `json:"recovered"`
	TrackedSessions   int64            `json:"tracked_sessions"`
	ByKind            map[string]int64 `json:"by_kind"`
	OldestEvent       string           `json:"oldest_event,omitempty"`
	NewestEvent       string           `json:"newest_event,omitempty"`
	Tracking          trackingJSON     `json:"tracking"`
}

type trackingJSON struct {
	InactivitySeconds        int `json:"inactivity_seconds"`
	AudibleInactivitySeconds int `json:"audible_inactivity_seconds"`
	CheckpointMinutes        int `json:"checkpoint_interval_minutes"`
	RecoveryMaxAgeHours      int `json:"recovery_max_age_hours"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	cfg, store, release, err := openEnv(c.globals, c.cfg, c.store)
	if err != nil {
		return err
	}
	defer release()

	return c.executeWithStore(context.Background(), cfg, store)
}

// executeWithStore runs status against a provided config and store.
func (c *StatusCommand) executeWithStore(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore) error {
	stats, err := store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	schema, err := storage.NewMigrationRunner(store.DB()).Version()
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	dbSize := getDatabaseSize(store.DB(), dbPath)

	if c.globals != nil && c.globals.JSON {
		return c.printStatusJSON(cfg, stats, dbPath, dbSize, schema)
	}
	return c.printStatusHuman(cfg, stats, dbPath, dbSize, schema)
}

func (c *StatusCommand) printStatusHuman(cfg *config.Config, stats *storage.Stats, dbPath string, dbSize int64, schema int) error {
	fmt.Println("tabtime Status")
	fmt.Println("==============")
	fmt.Printf("Version:       %s\n", c.version)
	fmt.Printf("Database:      %s (%s)\n", dbPath, formatBytes(dbSize))
	fmt.Printf("Schema:        v%d\n", schema)
	fmt.Printf("Events:        %s\n", formatNumber(stats.TotalEvents))
	fmt.Printf("Unprocessed:   %s\n", formatNumber(stats.Unprocessed))
	fmt.Printf("Recovered:     %s\n", formatNumber(stats.Recovered))
	fmt.Printf("Sessions:      %s\n", formatNumber(stats.TrackedSessions))

	if stats.TotalEvents > 0 {
		fmt.Printf("Oldest:        %s\n", stats.OldestEvent.Local().Format("2006-01-02 15:04"))
		fmt.Printf("Newest:        %s\n", stats.NewestEvent.Local().Format("2006-01-02 15:04"))

		fmt.Println()
		fmt.Println("By Kind:")
		for _, k := range kindOrder {
			if n := stats.ByKind[k]; n > 0 {
				fmt.Printf("  %-20s %s\n", k, formatNumber(n))
			}
		}
	}

	fmt.Println()
	fmt.Printf("Inactivity:    %s (audible %s)\n",
		cfg.Tracking.InactivityThreshold(), cfg.Tracking.AudibleInactivityThreshold())
	fmt.Printf("Checkpoints:   every %d min\n", cfg.Checkpoint.IntervalMinutes)
	fmt.Printf("Recovery:      %s lookback\n", formatDurationHuman(cfg.Recovery.MaxAge()))

	return nil
}

func (c *StatusCommand) printStatusJSON(cfg *config.Config, stats *storage.Stats, dbPath string, dbSize int64, schema int) error {
	out := statusJSON{
		Version:           c.version,
		DatabasePath:      dbPath,
		DatabaseSizeBytes: dbSize,
		SchemaVersion:     schema,
		TotalEvents:       stats.TotalEvents,
		Unprocessed:       stats.Unprocessed,
		Recovered:         stats.Recovered,
		TrackedSessions:   stats.TrackedSessions,
		ByKind:            make(map[string]int64, len(stats.ByKind)),
		Tracking: trackingJSON{
			InactivitySeconds:        cfg.Tracking.InactivityThresholdSeconds,
			AudibleInactivitySeconds: cfg.Tracking.AudibleInactivityThresholdSeconds,
			CheckpointMinutes:        cfg.Checkpoint.IntervalMinutes,
			RecoveryMaxAgeHours:      cfg.Recovery.MaxAgeHours,
		},
	}

	if stats.TotalEvents > 0 {
		out.OldestEvent = stats.OldestEvent.UTC().Format(time.RFC3339)
		out.NewestEvent = stats.NewestEvent.UTC().Format(time.RFC3339)
	}

	for k, n := range stats.ByKind {
		out.ByKind[string(k)] = n
	}

	return printJSON(out)
}

// getDatabaseSize returns the database file size in bytes.
// For on-disk databases, it uses os.Stat. For in-memory databases,
// it queries page_count * page_size.
func getDatabaseSize(db *sql.DB, dbPath string) int64 {
	if info, err := os.Stat(dbPath); err == nil {
		return info.Size()
	}

	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pageCount * pageSize
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
