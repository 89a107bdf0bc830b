package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/tabtime/internal/alarm"
	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/generator"
	"github.com/runnerr0/tabtime/internal/idgen"
	"github.com/runnerr0/tabtime/internal/state"
	"github.com/runnerr0/tabtime/internal/urlfilter"
)

const hourMs = int64(time.Hour / time.Millisecond)

type recordingQueue struct {
	mu     sync.Mutex
	events []domain.Event
	failOn map[int]bool
}

func (q *recordingQueue) Enqueue(_ context.Context, ev domain.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn[ev.TabID] {
		return errors.New("queue closed")
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *recordingQueue) snapshot() []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Event(nil), q.events...)
}

type fixture struct {
	clock  *clock.Mock
	store  *state.Store
	queue  *recordingQueue
	alarms *alarm.Manager
	sched  *Scheduler
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(100 * hourMs))

	filter, err := urlfilter.New(config.DefaultConfig().Capture)
	require.NoError(t, err)
	gen, err := generator.New(generator.ThresholdsFrom(config.DefaultConfig().Tracking), filter,
		generator.WithEventIDs(idgen.Sequence("evt")))
	require.NoError(t, err)

	f := &fixture{
		clock:  mock,
		store:  state.NewStore(),
		queue:  &recordingQueue{failOn: map[int]bool{}},
		alarms: alarm.New(alarm.WithClock(mock)),
		now:    100 * hourMs,
	}
	f.sched, err = New(Config{AlarmName: "tabtime-checkpoint", Interval: 30 * time.Minute},
		f.store, gen, f.queue, f.alarms, WithClock(mock))
	require.NoError(t, err)
	return f
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := New(Config{Interval: time.Minute}, f.store, nil, f.queue, f.alarms)
	assert.Error(t, err)
	_, err = New(Config{AlarmName: "x"}, f.store, nil, f.queue, f.alarms)
	assert.Error(t, err)
	_, err = New(Config{AlarmName: "x", Interval: time.Minute}, f.store, nil, f.queue, f.alarms)
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.DefaultConfig().Checkpoint)
	assert.Equal(t, "tabtime-checkpoint", cfg.AlarmName)
	assert.Equal(t, 30*time.Minute, cfg.Interval)
}

func TestTriggerCheck_EmitsActiveBeforeOpen(t *testing.T) {
	f := newFixture(t)
	f.store.Create(1, domain.SessionState{
		URL: "https://a.example/", VisitID: "V1", OpenTimeStart: f.now - 5*hourMs,
		ActivityID: "A1", ActiveTimeStart: f.now - 3*hourMs,
	})
	f.store.Create(2, domain.SessionState{
		URL: "https://b.example/", VisitID: "V2", OpenTimeStart: f.now - 5*hourMs,
	})
	f.store.Create(3, domain.SessionState{
		URL: "https://c.example/", VisitID: "V3", OpenTimeStart: f.now - hourMs,
	})

	stats := f.sched.TriggerCheck(context.Background())
	assert.Equal(t, int64(1), stats.ChecksPerformed)
	assert.Equal(t, int64(2), stats.CheckpointsGenerated)
	assert.Equal(t, 3, stats.SessionsTracked)
	assert.Equal(t, f.clock.Now(), stats.LastCheck)

	events := f.queue.snapshot()
	require.Len(t, events, 2)

	active := events[0]
	assert.Equal(t, domain.KindCheckpoint, active.Kind)
	assert.Equal(t, domain.CheckpointActiveTime, active.CheckpointKind)
	assert.Equal(t, "A1", active.ActivityID)
	assert.Equal(t, "V1", active.VisitID)
	assert.Equal(t, 3*hourMs, active.DurationMs)
	assert.True(t, active.IsPeriodic)

	open := events[1]
	assert.Equal(t, domain.CheckpointOpenTime, open.CheckpointKind)
	assert.Equal(t, "V2", open.VisitID)
	assert.Empty(t, open.ActivityID)
	assert.Equal(t, 5*hourMs, open.DurationMs)

	got, _ := f.store.Get(1)
	assert.Equal(t, f.now, got.LastActiveCheckpoint)
	got, _ = f.store.Get(2)
	assert.Equal(t, f.now, got.LastOpenCheckpoint)
}

func TestTriggerCheck_RepeatsOncePerThreshold(t *testing.T) {
	f := newFixture(t)
	f.store.Create(1, domain.SessionState{
		URL: "https://a.example/", VisitID: "V1", OpenTimeStart: f.now - hourMs,
		ActivityID: "A1", ActiveTimeStart: f.now - 3*hourMs,
	})
	ctx := context.Background()

	f.sched.TriggerCheck(ctx)
	stats := f.sched.TriggerCheck(ctx)
	assert.Equal(t, int64(1), stats.CheckpointsGenerated)

	f.clock.Add(2*time.Hour + time.Second)
	stats = f.sched.TriggerCheck(ctx)
	assert.Equal(t, int64(2), stats.CheckpointsGenerated)

	events := f.queue.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, 5*hourMs+1000, events[1].DurationMs)
}

func TestTriggerCheck_ContinuesAfterTabError(t *testing.T) {
	f := newFixture(t)
	f.queue.failOn[1] = true
	for _, id := range []int{1, 2} {
		f.store.Create(id, domain.SessionState{
			URL: "https://a.example/", VisitID: "V", OpenTimeStart: f.now - 5*hourMs,
		})
	}

	stats := f.sched.TriggerCheck(context.Background())
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.CheckpointsGenerated)

	got, _ := f.store.Get(1)
	assert.Zero(t, got.LastOpenCheckpoint)
}

func TestInitialize_RegistersAlarmOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.Initialize(ctx))
	require.NoError(t, f.sched.Initialize(ctx))
	assert.True(t, f.sched.Initialized())

	a, ok := f.alarms.Get("tabtime-checkpoint")
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, a.Period)
	assert.Len(t, f.alarms.All(), 1)
}

func TestInitialize_ReusesExistingAlarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.alarms.Create(ctx, "tabtime-checkpoint", time.Minute, 10*time.Minute))

	require.NoError(t, f.sched.Initialize(ctx))

	a, ok := f.alarms.Get("tabtime-checkpoint")
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, a.Period)
}

func TestAlarmTickRunsCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Create(1, domain.SessionState{
		URL: "https://a.example/", VisitID: "V1", OpenTimeStart: f.now - 5*hourMs,
	})
	require.NoError(t, f.sched.Initialize(ctx))

	f.clock.Add(30 * time.Minute)
	require.Eventually(t, func() bool { return f.sched.Stats().ChecksPerformed == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, f.queue.snapshot(), 1)
}

func TestListen_HandlesRestoredAlarmBeforeInitialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Create(1, domain.SessionState{
		URL: "https://a.example/", VisitID: "V1", OpenTimeStart: f.now - 5*hourMs,
	})
	f.sched.Listen()
	f.sched.Listen()

	// an overdue alarm re-armed from the registry fires on the next tick
	require.NoError(t, f.alarms.Create(ctx, "tabtime-checkpoint", 0, 10*time.Minute))
	f.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return f.sched.Stats().ChecksPerformed == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, f.queue.snapshot(), 1)

	require.NoError(t, f.sched.Initialize(ctx))
	a, ok := f.alarms.Get("tabtime-checkpoint")
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, a.Period)
}

func TestAlarmTick_IgnoresOtherAlarms(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Initialize(context.Background()))

	f.sched.onAlarm("something-else")
	assert.Zero(t, f.sched.Stats().ChecksPerformed)
}

func TestStop_ClearsAlarmAndIgnoresTicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sched.Initialize(ctx))
	require.NoError(t, f.sched.Stop(ctx))
	require.NoError(t, f.sched.Stop(ctx))

	_, ok := f.alarms.Get("tabtime-checkpoint")
	assert.False(t, ok)
	assert.False(t, f.sched.Initialized())

	f.sched.onAlarm("tabtime-checkpoint")
	assert.Zero(t, f.sched.Stats().ChecksPerformed)

	// manual checks still work after stop
	f.sched.TriggerCheck(ctx)
	assert.Equal(t, int64(1), f.sched.Stats().ChecksPerformed)
}
