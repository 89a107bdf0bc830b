package cli

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/generator"
	"github.com/runnerr0/tabtime/internal/recovery"
	"github.com/runnerr0/tabtime/internal/storage"
	"github.com/runnerr0/tabtime/internal/urlfilter"
)

type recoverJSON struct {
	OrphansFound  int      `json:"orphans_found"`
	EventsWritten int      `json:"events_written"`
	MaxAge        string   `json:"max_age"`
	Errors        []string `json:"errors,omitempty"`
}

// Execute implements the go-flags Commander interface for RecoverCommand.
func (c *RecoverCommand) Execute(args []string) error {
	cfg, store, release, err := openEnv(c.globals, c.cfg, c.store)
	if err != nil {
		return err
	}
	defer release()

	return c.executeWithStore(context.Background(), cfg, store)
}

// executeWithStore runs orphan reconciliation against the event log.
// No tab source is available outside the browser, so every open session
// in the window is treated as orphaned.
func (c *RecoverCommand) executeWithStore(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore) error {
	maxAge := cfg.Recovery.MaxAge()
	if c.MaxAge != "" {
		d, err := parseDuration(c.MaxAge)
		if err != nil {
			return err
		}
		maxAge = d
	}

	logger, err := newLogger(c.globals, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	exclusions, err := store.LoadExclusions(ctx)
	if err != nil {
		return err
	}
	filter, err := urlfilter.New(cfg.Capture, lo.Map(exclusions, func(e storage.Exclusion, _ int) urlfilter.Rule {
		return urlfilter.Rule{Type: e.RuleType, Value: e.RuleValue}
	})...)
	if err != nil {
		return err
	}
	gen, err := generator.New(generator.ThresholdsFrom(cfg.Tracking), filter, generator.WithLogger(logger))
	if err != nil {
		return err
	}

	rec, err := recovery.New(store, gen,
		recovery.WithMaxAge(maxAge),
		recovery.WithClock(clockOrWall(c.clock)),
		recovery.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	stats, runErr := rec.ReconcileOrphans(ctx)

	if c.globals != nil && c.globals.JSON {
		if err := printJSON(recoverJSON{
			OrphansFound:  stats.OrphanSessionsFound,
			EventsWritten: stats.RecoveryEventsGenerated,
			MaxAge:        maxAge.String(),
			Errors:        stats.Errors,
		}); err != nil {
			return err
		}
	} else {
		fmt.Printf("Scanned the last %s of unprocessed events.\n", formatDurationHuman(maxAge))
		fmt.Printf("Orphaned sessions: %d\n", stats.OrphanSessionsFound)
		fmt.Printf("Recovery events written: %d\n", stats.RecoveryEventsGenerated)
	}

	if runErr != nil {
		return fmt.Errorf("recover: %w", runErr)
	}
	return nil
}
