package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/tabtime/internal/domain"
)

func setupEventsTest(t *testing.T) *EventsCommand {
	t.Helper()
	store := openTestStore(t)
	seed(t, store, visitEvents("V1", "A1", ago(time.Hour))...)
	seed(t, store, visitEvents("V2", "A2", ago(48*time.Hour))...)
	return &EventsCommand{
		globals: &GlobalFlags{},
		cfg:     defaultTestConfig(),
		store:   store,
		clock:   testClock(),
	}
}

func TestEvents_RequiresOneSelector(t *testing.T) {
	err := RunWithArgs("test", []string{"events"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --visit, --activity or --kind")

	err = RunWithArgs("test", []string{"events", "--visit", "V1", "--kind", "checkpoint"})
	require.Error(t, err)
}

func TestEvents_RejectsUnknownKind(t *testing.T) {
	err := RunWithArgs("test", []string{"events", "--kind", "page_view"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown event kind "page_view"`)
}

func TestEvents_ByVisit(t *testing.T) {
	cmd := setupEventsTest(t)
	cmd.Visit = "V1"

	var err error
	output := captureOutput(t, func() { err = cmd.Execute(nil) })
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines[0], "open_time_start")
	assert.Contains(t, lines[2], "active_time=1m0s")
	assert.Contains(t, lines[3], "reason=inactivity")
	assert.Contains(t, lines[4], "open_time_end")
	assert.NotContains(t, output, "V2")
	assert.Contains(t, output, "5 event(s)")
}

func TestEvents_ByActivityJSON(t *testing.T) {
	cmd := setupEventsTest(t)
	cmd.Activity = "A2"
	cmd.globals.JSON = true

	var err error
	output := captureOutput(t, func() { err = cmd.Execute(nil) })
	require.NoError(t, err)

	var got []domain.Event
	require.NoError(t, json.Unmarshal([]byte(output), &got))
	require.Len(t, got, 3)
	assert.Equal(t, domain.KindActiveTimeStart, got[0].Kind)
	assert.Equal(t, domain.KindCheckpoint, got[1].Kind)
	assert.Equal(t, int64(60000), got[1].DurationMs)
	assert.Equal(t, domain.KindActiveTimeEnd, got[2].Kind)
}

func TestEvents_ByKindDefaultsToLastDay(t *testing.T) {
	cmd := setupEventsTest(t)
	cmd.Kind = string(domain.KindOpenTimeStart)

	events, err := cmd.query(context.Background(), cmd.store)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "V1", events[0].VisitID)

	cmd.Since = "7d"
	events, err = cmd.query(context.Background(), cmd.store)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEvents_SinceFiltersVisit(t *testing.T) {
	cmd := setupEventsTest(t)
	cmd.Visit = "V2"
	cmd.Since = "24h"

	var err error
	output := captureOutput(t, func() { err = cmd.Execute(nil) })
	require.NoError(t, err)
	assert.Contains(t, output, "No events found.")
}

func TestEvents_EmptyJSONIsArray(t *testing.T) {
	cmd := setupEventsTest(t)
	cmd.Visit = "missing"
	cmd.globals.JSON = true

	var err error
	output := captureOutput(t, func() { err = cmd.Execute(nil) })
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(output))
}

func TestFormatEvent_Recovered(t *testing.T) {
	line := formatEvent(domain.Event{
		Kind: domain.KindOpenTimeEnd, Timestamp: ago(0), TabID: 3, VisitID: "V3",
		URL: "https://example.com/a", Resolution: domain.ResolutionCrashRecovery,
	})
	assert.True(t, strings.HasPrefix(line, "2026-03-14T12:00:00Z  open_time_end"))
	assert.Contains(t, line, "tab=3")
	assert.Contains(t, line, "[crash_recovery]")
	assert.True(t, strings.HasSuffix(line, "https://example.com/a"))
}
