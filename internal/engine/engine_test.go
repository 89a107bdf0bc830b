package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/idgen"
	"github.com/runnerr0/tabtime/internal/protocol"
	"github.com/runnerr0/tabtime/internal/recovery"
	"github.com/runnerr0/tabtime/internal/storage"
)

type tabList struct {
	mu   sync.Mutex
	tabs []recovery.Tab
}

func (l *tabList) ListTabs(context.Context) ([]recovery.Tab, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recovery.Tab(nil), l.tabs...), nil
}

type harness struct {
	engine *Engine
	store  *storage.SQLiteStore
	clock  *clock.Mock
	tabs   *tabList
}

func newHarness(t *testing.T, startMs int64) *harness {
	t.Helper()
	store, db, err := storage.Open(":memory:", "memory")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return newHarnessWith(t, store, startMs, &tabList{})
}

func newHarnessWith(t *testing.T, store *storage.SQLiteStore, startMs int64, tabs *tabList) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(startMs))

	e, err := New(context.Background(), config.DefaultConfig(), store, tabs,
		WithClock(mock),
		WithIDs(idgen.Sequence("visit"), idgen.Sequence("act"), idgen.Sequence("evt")),
	)
	require.NoError(t, err)
	return &harness{engine: e, store: store, clock: mock, tabs: tabs}
}

func (h *harness) at(ms int64) {
	h.clock.Set(time.UnixMilli(ms))
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	_, err := h.engine.Flush(context.Background())
	require.NoError(t, err)
}

func (h *harness) kinds(t *testing.T, kind domain.Kind) []domain.Event {
	t.Helper()
	events, err := h.store.EventsByKind(context.Background(), kind, 0, 0)
	require.NoError(t, err)
	return events
}

func keyDown(tabID int, ts int64) protocol.Interaction {
	return protocol.KeyDown{Base: protocol.Base{TabID: tabID, Timestamp: ts}}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.MaxQueueSize = 0
	store, db, err := storage.Open(":memory:", "memory")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(context.Background(), cfg, store, nil)
	assert.Error(t, err)
	_, err = New(context.Background(), nil, store, nil)
	assert.Error(t, err)
}

func TestNavigateThenRemove(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	require.NoError(t, h.engine.TabNavigated(ctx, 7, "https://a.example/x", 1))
	st, ok := h.engine.Session(7)
	require.True(t, ok)
	assert.Equal(t, "visit-1", st.VisitID)

	h.at(5000)
	require.NoError(t, h.engine.TabRemoved(ctx, 7))
	h.flush(t)

	starts := h.kinds(t, domain.KindOpenTimeStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "visit-1", starts[0].VisitID)
	assert.Equal(t, "https://a.example/x", starts[0].URL)
	assert.Equal(t, int64(1000), starts[0].Timestamp)

	ends := h.kinds(t, domain.KindOpenTimeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "visit-1", ends[0].VisitID)
	assert.Equal(t, int64(5000), ends[0].Timestamp)

	_, ok = h.engine.Session(7)
	assert.False(t, ok)
}

func TestConcurrentRemoveEmitsOneEnd(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	require.NoError(t, h.engine.TabNavigated(ctx, 7, "https://a.example/x", 1))
	require.NoError(t, h.engine.TabActivated(ctx, 7, 1))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(7, 1200)))

	h.at(5000)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.TabRemoved(ctx, 7))
		}()
	}
	wg.Wait()
	h.flush(t)

	assert.Len(t, h.kinds(t, domain.KindOpenTimeEnd), 1)
	assert.Len(t, h.kinds(t, domain.KindActiveTimeEnd), 1)
}

func TestConcurrentNavigationClosesEveryVisit(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				url := fmt.Sprintf("https://site%d.example/round/%d", i, round)
				assert.NoError(t, h.engine.TabNavigated(ctx, 7, url, 1))
			}(i)
		}
		wg.Wait()
	}
	require.NoError(t, h.engine.TabRemoved(ctx, 7))
	h.flush(t)

	starts := h.kinds(t, domain.KindOpenTimeStart)
	ends := h.kinds(t, domain.KindOpenTimeEnd)
	assert.Len(t, starts, 200)
	assert.Len(t, ends, len(starts))

	ended := lo.SliceToMap(ends, func(ev domain.Event) (string, bool) { return ev.VisitID, true })
	for _, s := range starts {
		assert.True(t, ended[s.VisitID], "visit %s never ended", s.VisitID)
	}
}

func TestNavigationEndsVisitAndStartsNew(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	require.NoError(t, h.engine.TabNavigated(ctx, 3, "https://a.example/", 1))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(3, 1500)))

	// fragment change keeps the visit
	h.at(1800)
	require.NoError(t, h.engine.TabNavigated(ctx, 3, "https://a.example/#section", 1))
	st, _ := h.engine.Session(3)
	assert.Equal(t, "visit-1", st.VisitID)
	assert.True(t, st.HasActivity())

	h.at(2000)
	require.NoError(t, h.engine.TabNavigated(ctx, 3, "https://b.example/", 1))
	st, _ = h.engine.Session(3)
	assert.Equal(t, "visit-2", st.VisitID)
	assert.False(t, st.HasActivity())
	h.flush(t)

	activeEnds := h.kinds(t, domain.KindActiveTimeEnd)
	require.Len(t, activeEnds, 1)
	assert.Equal(t, domain.ReasonNavigation, activeEnds[0].Reason)
	assert.Equal(t, int64(2000), activeEnds[0].Timestamp)

	openEnds := h.kinds(t, domain.KindOpenTimeEnd)
	require.Len(t, openEnds, 1)
	assert.Equal(t, "visit-1", openEnds[0].VisitID)
	assert.Len(t, h.kinds(t, domain.KindOpenTimeStart), 2)
}

func TestNavigationToUntrackedURLDropsSession(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	require.NoError(t, h.engine.TabNavigated(ctx, 3, "chrome://newtab", 1))
	_, ok := h.engine.Session(3)
	assert.False(t, ok)

	require.NoError(t, h.engine.TabNavigated(ctx, 3, "https://a.example/", 1))
	require.NoError(t, h.engine.TabNavigated(ctx, 3, "http://localhost:3000/", 1))
	_, ok = h.engine.Session(3)
	assert.False(t, ok)
	h.flush(t)

	assert.Len(t, h.kinds(t, domain.KindOpenTimeEnd), 1)
}

func TestInteractionStartsActiveTimeOnce(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	require.NoError(t, h.engine.TabNavigated(ctx, 3, "https://a.example/", 1))

	require.NoError(t, h.engine.Interaction(ctx, keyDown(3, 1100)))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(3, 1300)))
	require.NoError(t, h.engine.HandleMessage(ctx, []byte(`{"type":"scroll","timestamp":1400,"tabId":3,"data":{"scrollDelta":80}}`)))
	assert.Error(t, h.engine.HandleMessage(ctx, []byte(`{"type":"wheel","timestamp":1400,"tabId":3}`)))

	// unknown tabs are ignored
	require.NoError(t, h.engine.Interaction(ctx, keyDown(99, 1400)))
	h.flush(t)

	starts := h.kinds(t, domain.KindActiveTimeStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "act-1", starts[0].ActivityID)
	assert.Equal(t, int64(1100), starts[0].Timestamp)

	st, _ := h.engine.Session(3)
	assert.Equal(t, int64(1400), st.LastInteraction)
	assert.Equal(t, int64(1100), st.ActiveTimeStart)
}

func TestSweepInactivity(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	require.NoError(t, h.engine.TabNavigated(ctx, 1, "https://a.example/", 1))
	require.NoError(t, h.engine.TabNavigated(ctx, 2, "https://video.example/", 1))
	h.engine.AudibleChanged(2, true)
	require.NoError(t, h.engine.Interaction(ctx, keyDown(1, 2000)))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(2, 2000)))

	h.at(2000 + 59_000)
	assert.Zero(t, h.engine.SweepInactivity(ctx))

	h.at(2000 + 90_000)
	assert.Equal(t, 1, h.engine.SweepInactivity(ctx))

	h.at(2000 + 300_000)
	assert.Equal(t, 1, h.engine.SweepInactivity(ctx))
	h.flush(t)

	ends := h.kinds(t, domain.KindActiveTimeEnd)
	require.Len(t, ends, 2)
	assert.Equal(t, 1, ends[0].TabID)
	assert.Equal(t, int64(2000+60_000), ends[0].Timestamp)
	assert.Equal(t, domain.ReasonInactivity, ends[0].Reason)
	assert.Equal(t, 2, ends[1].TabID)
	assert.Equal(t, int64(2000+300_000), ends[1].Timestamp)
}

func TestFocusChangesEndActiveTime(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	require.NoError(t, h.engine.TabNavigated(ctx, 1, "https://a.example/", 10))
	require.NoError(t, h.engine.TabNavigated(ctx, 2, "https://b.example/", 10))
	require.NoError(t, h.engine.TabActivated(ctx, 1, 10))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(1, 1100)))

	st, _ := h.engine.Session(1)
	assert.True(t, st.Focused)

	h.at(3000)
	require.NoError(t, h.engine.TabActivated(ctx, 2, 10))
	st, _ = h.engine.Session(1)
	assert.False(t, st.Focused)
	assert.False(t, st.HasActivity())
	st, _ = h.engine.Session(2)
	assert.True(t, st.Focused)

	require.NoError(t, h.engine.Interaction(ctx, keyDown(2, 3100)))
	h.at(4000)
	require.NoError(t, h.engine.WindowFocusChanged(ctx, WindowNone))
	st, _ = h.engine.Session(2)
	assert.False(t, st.Focused)

	require.NoError(t, h.engine.WindowFocusChanged(ctx, 10))
	st, _ = h.engine.Session(2)
	assert.True(t, st.Focused)
	h.flush(t)

	ends := h.kinds(t, domain.KindActiveTimeEnd)
	require.Len(t, ends, 2)
	assert.Equal(t, domain.ReasonFocusLost, ends[0].Reason)
	assert.Equal(t, int64(3000), ends[0].Timestamp)
	assert.Equal(t, 2, ends[1].TabID)
	assert.Equal(t, int64(4000), ends[1].Timestamp)
}

func TestStartRecoversAndRestores(t *testing.T) {
	store, db, err := storage.Open(":memory:", "memory")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, store.AppendBatch(ctx, []domain.Event{
		{ID: "o1", Kind: domain.KindOpenTimeStart, Timestamp: 1000, TabID: 4, URL: "https://gone.example/", VisitID: "V-gone"},
		{ID: "o2", Kind: domain.KindOpenTimeStart, Timestamp: 1000, TabID: 5, URL: "https://kept.example/", VisitID: "V-kept"},
	}))
	require.NoError(t, store.SaveSnapshots(ctx, map[int]domain.SessionState{
		5: {URL: "https://kept.example/", VisitID: "V-kept", OpenTimeStart: 1000, WindowID: 1},
	}))
	tabs := &tabList{tabs: []recovery.Tab{
		{ID: 5, URL: "https://kept.example/", WindowID: 1, Focused: true},
		{ID: 6, URL: "https://new.example/", WindowID: 1},
	}}
	h := newHarnessWith(t, store, 10_000, tabs)

	stats, err := h.engine.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanSessionsFound)
	assert.Equal(t, 1, stats.RecoveryEventsGenerated)
	assert.Equal(t, 1, stats.TabsRestored)
	assert.Equal(t, 1, stats.TabsInitialized)
	assert.Empty(t, stats.Errors)

	kept, ok := h.engine.Session(5)
	require.True(t, ok)
	assert.Equal(t, "V-kept", kept.VisitID)
	assert.True(t, kept.Focused)

	fresh, ok := h.engine.Session(6)
	require.True(t, ok)
	assert.Equal(t, "visit-1", fresh.VisitID)

	_, ok = h.engine.alarms.Get(config.DefaultConfig().Checkpoint.AlarmName)
	assert.True(t, ok)
	_, ok = h.engine.alarms.Get(InactivityAlarm)
	assert.True(t, ok)

	h.flush(t)
	ends := h.kinds(t, domain.KindOpenTimeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "V-gone", ends[0].VisitID)
	assert.Equal(t, domain.ResolutionCrashRecovery, ends[0].Resolution)

	starts, err := store.EventsByVisit(ctx, "visit-1")
	require.NoError(t, err)
	assert.Len(t, starts, 1)

	again, err := h.engine.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, again)
	assert.Equal(t, stats, h.engine.Stats().Recovery)
}

func TestStartEndsVisitOnUntrackedLiveURL(t *testing.T) {
	store, db, err := storage.Open(":memory:", "memory")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, store.AppendBatch(ctx, []domain.Event{
		{ID: "o1", Kind: domain.KindOpenTimeStart, Timestamp: 1000, TabID: 2, URL: "https://b.example/", VisitID: "V2"},
	}))
	require.NoError(t, store.SaveSnapshots(ctx, map[int]domain.SessionState{
		2: {URL: "https://b.example/", VisitID: "V2", OpenTimeStart: 1000, LastOpenCheckpoint: 4000, WindowID: 1},
	}))
	tabs := &tabList{tabs: []recovery.Tab{{ID: 2, URL: "chrome://settings", WindowID: 1}}}
	h := newHarnessWith(t, store, 10_000, tabs)

	stats, err := h.engine.Start(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.OrphanSessionsFound)
	assert.Equal(t, 1, stats.SessionsEnded)
	_, ok := h.engine.Session(2)
	assert.False(t, ok)

	h.flush(t)
	ends := h.kinds(t, domain.KindOpenTimeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "V2", ends[0].VisitID)
	assert.Equal(t, int64(4000), ends[0].Timestamp)
	assert.Equal(t, domain.ResolutionCrashRecovery, ends[0].Resolution)
}

func TestStartHandlesOverdueRestoredAlarm(t *testing.T) {
	store, db, err := storage.Open(":memory:", "memory")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	const startMs = 1000 + 5*int64(time.Hour/time.Millisecond)
	require.NoError(t, store.AppendBatch(ctx, []domain.Event{
		{ID: "o1", Kind: domain.KindOpenTimeStart, Timestamp: 1000, TabID: 1, URL: "https://a.example/", VisitID: "V1"},
	}))
	require.NoError(t, store.SaveSnapshots(ctx, map[int]domain.SessionState{
		1: {URL: "https://a.example/", VisitID: "V1", OpenTimeStart: 1000, WindowID: 1},
	}))
	name := config.DefaultConfig().Checkpoint.AlarmName
	require.NoError(t, store.SaveAlarm(ctx, storage.Alarm{
		Name: name, Period: 30 * time.Minute, NextFire: time.UnixMilli(startMs - 60_000),
	}))
	tabs := &tabList{tabs: []recovery.Tab{{ID: 1, URL: "https://a.example/", WindowID: 1}}}
	h := newHarnessWith(t, store, startMs, tabs)

	_, err = h.engine.Start(ctx)
	require.NoError(t, err)
	a, ok := h.engine.alarms.Get(name)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, a.Period)

	h.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		return h.engine.Stats().Checkpoint.CheckpointsGenerated == 1
	}, time.Second, 5*time.Millisecond)

	h.flush(t)
	cps := h.kinds(t, domain.KindCheckpoint)
	require.Len(t, cps, 1)
	assert.Equal(t, domain.CheckpointOpenTime, cps[0].CheckpointKind)
	assert.Equal(t, "V1", cps[0].VisitID)
}

func TestInactivityAlarmSweeps(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	_, err := h.engine.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.TabNavigated(ctx, 1, "https://a.example/", 1))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(1, 1000)))

	// sweeps run every 30s; the 60s threshold passes within three of them
	for i := 0; i < 3; i++ {
		h.clock.Add(30 * time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		st, _ := h.engine.Session(1)
		return !st.HasActivity()
	}, time.Second, 5*time.Millisecond)
}

func TestCheckpointThroughEngine(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	require.NoError(t, h.engine.TabNavigated(ctx, 1, "https://a.example/", 1))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(1, 1000)))

	h.at(1000 + int64(2*time.Hour/time.Millisecond) + 1)
	// keep the activity alive across the jump
	require.NoError(t, h.engine.Interaction(ctx, keyDown(1, domain.Millis(h.clock.Now()))))

	stats := h.engine.TriggerCheckpoint(ctx)
	assert.Equal(t, int64(1), stats.CheckpointsGenerated)
	h.flush(t)

	cps := h.kinds(t, domain.KindCheckpoint)
	require.Len(t, cps, 1)
	assert.Equal(t, domain.CheckpointActiveTime, cps[0].CheckpointKind)
	assert.Equal(t, "act-1", cps[0].ActivityID)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	_, err := h.engine.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.TabNavigated(ctx, 1, "https://a.example/", 1))
	require.NoError(t, h.engine.Interaction(ctx, keyDown(1, 1500)))
	h.at(2000)

	require.NoError(t, h.engine.Shutdown(ctx))
	require.NoError(t, h.engine.Shutdown(ctx))

	ends := h.kinds(t, domain.KindActiveTimeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, domain.ReasonShutdown, ends[0].Reason)
	assert.Empty(t, h.kinds(t, domain.KindOpenTimeEnd))

	snaps, err := h.store.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Contains(t, snaps, 1)
	assert.Equal(t, "visit-1", snaps[1].VisitID)
	assert.False(t, snaps[1].HasActivity())

	// alarm registrations survive for the next start
	alarms, err := h.store.LoadAlarms(ctx)
	require.NoError(t, err)
	assert.Len(t, alarms, 2)

	assert.Error(t, h.engine.TabNavigated(ctx, 2, "https://b.example/", 1))
}

func TestRestartContinuesVisit(t *testing.T) {
	store, db, err := storage.Open(":memory:", "memory")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	tabs := &tabList{tabs: []recovery.Tab{{ID: 1, URL: "https://a.example/", WindowID: 1}}}

	first := newHarnessWith(t, store, 1000, tabs)
	_, err = first.engine.Start(ctx)
	require.NoError(t, err)
	st, _ := first.engine.Session(1)
	visit := st.VisitID
	require.NoError(t, first.engine.Shutdown(ctx))

	second := newHarnessWith(t, store, 60_000, tabs)
	stats, err := second.engine.Start(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.OrphanSessionsFound)
	assert.Equal(t, 1, stats.TabsRestored)

	st, ok := second.engine.Session(1)
	require.True(t, ok)
	assert.Equal(t, visit, st.VisitID)
}
