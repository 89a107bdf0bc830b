package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Status  *StatusCommand
	Events  *EventsCommand
	Recover *RecoverCommand
	Prune   *PruneCommand
	Purge   *PurgeCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "tabtime"
	parser.LongDescription = "Inspect and maintain the local per-tab time tracking log."

	cmds := &commands{
		Status:  &StatusCommand{globals: &globals, version: version},
		Events:  &EventsCommand{globals: &globals, version: version},
		Recover: &RecoverCommand{globals: &globals, version: version},
		Prune:   &PruneCommand{globals: &globals, version: version},
		Purge:   &PurgeCommand{globals: &globals, version: version},
	}

	parser.AddCommand("status", "Show event log statistics", "Show event log statistics, schema version, and configuration summary.", cmds.Status)
	parser.AddCommand("events", "List logged events", "List the events of one visit, one activity, or one kind within a time window.", cmds.Events)
	parser.AddCommand("recover", "Close orphaned sessions", "Close sessions left open by an unclean shutdown. Run it while the browser is closed.", cmds.Recover)
	parser.AddCommand("prune", "Delete old processed events", "Delete processed events older than the given age.", cmds.Prune)
	parser.AddCommand("purge", "Delete ALL tabtime data", "Delete ALL tabtime data. Destructive operation with safety prompt.", cmds.Purge)

	return parser, &globals, cmds
}

// Run is the main entry point for the tabtime CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("tabtime %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
