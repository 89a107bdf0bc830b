package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/storage"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// captureOutput captures stdout during fn execution and returns it as a string.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

// openTestStore opens a migrated in-memory store.
func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, db, err := storage.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return store
}

func testClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(testNow)
	return c
}

// ago returns the epoch-millisecond timestamp d before testNow.
func ago(d time.Duration) int64 {
	return domain.Millis(testNow.Add(-d))
}

func seed(t *testing.T, store *storage.SQLiteStore, events ...domain.Event) {
	t.Helper()
	require.NoError(t, store.AppendBatch(context.Background(), events))
}

// visitEvents is a closed visit with one closed activity and a checkpoint.
func visitEvents(visit, activity string, start int64) []domain.Event {
	return []domain.Event{
		{ID: visit + "-os", Kind: domain.KindOpenTimeStart, Timestamp: start, TabID: 7, URL: "https://example.com/", VisitID: visit},
		{ID: visit + "-as", Kind: domain.KindActiveTimeStart, Timestamp: start + 1000, TabID: 7, URL: "https://example.com/", VisitID: visit, ActivityID: activity},
		{ID: visit + "-cp", Kind: domain.KindCheckpoint, Timestamp: start + 61000, TabID: 7, URL: "https://example.com/", VisitID: visit, ActivityID: activity,
			CheckpointKind: domain.CheckpointActiveTime, DurationMs: 60000},
		{ID: visit + "-ae", Kind: domain.KindActiveTimeEnd, Timestamp: start + 90000, TabID: 7, URL: "https://example.com/", VisitID: visit, ActivityID: activity,
			Reason: domain.ReasonInactivity},
		{ID: visit + "-oe", Kind: domain.KindOpenTimeEnd, Timestamp: start + 120000, TabID: 7, URL: "https://example.com/", VisitID: visit},
	}
}

func defaultTestConfig() *config.Config {
	return config.DefaultConfig()
}
