package cli

import (
	"io"

	"github.com/benbjohnson/clock"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/storage"
)

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// The cfg, store and clock fields on each command are injectable for
// testing; nil means load the config file, open its database and use the
// wall clock.

// StatusCommand shows event log statistics and config summary.
type StatusCommand struct {
	globals *GlobalFlags
	version string
	cfg     *config.Config
	store   *storage.SQLiteStore
}

// EventsCommand lists the events of a visit, an activity or a kind.
type EventsCommand struct {
	Visit    string `long:"visit" description:"Visit ID"`
	Activity string `long:"activity" description:"Activity ID"`
	Kind     string `long:"kind" description:"Event kind (open_time_start, open_time_end, active_time_start, active_time_end, checkpoint)"`
	Since    string `long:"since" description:"Only events newer than duration (e.g., 7d, 24h, 2w); defaults to 24h with --kind"`

	globals *GlobalFlags
	version string
	cfg     *config.Config
	store   *storage.SQLiteStore
	clock   clock.Clock
}

// RecoverCommand closes sessions an unclean shutdown left open.
type RecoverCommand struct {
	MaxAge string `long:"max-age" description:"Only consider events newer than duration (defaults to recovery.max_age_hours)"`

	globals *GlobalFlags
	version string
	cfg     *config.Config
	store   *storage.SQLiteStore
	clock   clock.Clock
}

// PruneCommand removes processed events past the retention period.
type PruneCommand struct {
	OlderThan string `long:"older-than" description:"Retention period (e.g., 30d)" default:"30d"`
	DryRun    bool   `long:"dry-run" description:"Show what would be pruned without deleting"`

	globals *GlobalFlags
	version string
	cfg     *config.Config
	store   *storage.SQLiteStore
	clock   clock.Clock
}

// PurgeCommand deletes ALL tabtime data with safety confirmation.
type PurgeCommand struct {
	All   bool `long:"all" description:"Required flag to confirm purge intent"`
	Force bool `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	version string
	cfg     *config.Config
	store   *storage.SQLiteStore
	in      io.Reader // confirmation input; nil means os.Stdin
}
