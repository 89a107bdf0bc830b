package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/storage"
)

const defaultKindWindow = 24 * time.Hour

// Execute implements the go-flags Commander interface for EventsCommand.
func (c *EventsCommand) Execute(args []string) error {
	if n := len(lo.Compact([]string{c.Visit, c.Activity, c.Kind})); n != 1 {
		return errors.New("events requires exactly one of --visit, --activity or --kind")
	}
	if c.Kind != "" && !domain.Kind(c.Kind).Valid() {
		return fmt.Errorf("unknown event kind %q", c.Kind)
	}

	_, store, release, err := openEnv(c.globals, c.cfg, c.store)
	if err != nil {
		return err
	}
	defer release()

	return c.executeWithStore(context.Background(), store)
}

func (c *EventsCommand) executeWithStore(ctx context.Context, store *storage.SQLiteStore) error {
	events, err := c.query(ctx, store)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		if events == nil {
			events = []domain.Event{}
		}
		return printJSON(events)
	}

	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}
	for _, ev := range events {
		fmt.Println(formatEvent(ev))
	}
	fmt.Printf("\n%d event(s)\n", len(events))
	return nil
}

func (c *EventsCommand) query(ctx context.Context, store *storage.SQLiteStore) ([]domain.Event, error) {
	var cutoff int64
	if c.Since != "" {
		d, err := parseDuration(c.Since)
		if err != nil {
			return nil, err
		}
		cutoff = domain.Millis(clockOrWall(c.clock).Now().Add(-d))
	}

	var (
		events []domain.Event
		err    error
	)
	switch {
	case c.Visit != "":
		events, err = store.EventsByVisit(ctx, c.Visit)
	case c.Activity != "":
		events, err = store.EventsByActivity(ctx, c.Activity)
	default:
		if cutoff == 0 {
			cutoff = domain.Millis(clockOrWall(c.clock).Now().Add(-defaultKindWindow))
		}
		events, err = store.EventsByKind(ctx, domain.Kind(c.Kind), cutoff, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	return lo.Filter(events, func(ev domain.Event, _ int) bool {
		return ev.Timestamp >= cutoff
	}), nil
}

// formatEvent renders one log line: time, kind, tab, ids, then details.
func formatEvent(ev domain.Event) string {
	line := fmt.Sprintf("%s  %-17s  tab=%-5d visit=%s", formatMillis(ev.Timestamp), ev.Kind, ev.TabID, ev.VisitID)
	if ev.ActivityID != "" {
		line += " activity=" + ev.ActivityID
	}
	if ev.Kind == domain.KindCheckpoint {
		line += fmt.Sprintf(" %s=%s", ev.CheckpointKind, time.Duration(ev.DurationMs)*time.Millisecond)
		if ev.IsPeriodic {
			line += " periodic"
		}
	}
	if ev.Reason != "" {
		line += " reason=" + ev.Reason
	}
	if ev.Resolution != domain.ResolutionNone {
		line += " [" + string(ev.Resolution) + "]"
	}
	if ev.URL != "" {
		line += "  " + ev.URL
	}
	return line
}
