package cli

import (
	"context"
	"fmt"

	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/storage"
)

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(args []string) error {
	if _, err := parseDuration(c.OlderThan); err != nil {
		return err
	}

	_, store, release, err := openEnv(c.globals, c.cfg, c.store)
	if err != nil {
		return err
	}
	defer release()

	return c.executeWithStore(context.Background(), store)
}

// executeWithStore deletes processed events older than --older-than.
// Unprocessed events survive so recovery and aggregation never lose input.
func (c *PruneCommand) executeWithStore(ctx context.Context, store *storage.SQLiteStore) error {
	age, err := parseDuration(c.OlderThan)
	if err != nil {
		return err
	}
	cutoff := clockOrWall(c.clock).Now().Add(-age)
	ts := domain.Millis(cutoff)

	var n int64
	if c.DryRun {
		n, err = store.CountPrunable(ctx, ts)
	} else {
		n, err = store.PruneBefore(ctx, ts)
	}
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{
			"pruned":  n,
			"dry_run": c.DryRun,
			"cutoff":  formatMillis(ts),
		})
	}

	verb := "Pruned"
	if c.DryRun {
		verb = "Would prune"
	}
	fmt.Printf("%s %s processed events older than %s (before %s).\n",
		verb, formatNumber(n), formatDurationHuman(age), formatMillis(ts))
	return nil
}
