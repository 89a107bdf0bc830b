// Package engine wires the tracking components together and turns browser
// callbacks into session transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/alarm"
	"github.com/runnerr0/tabtime/internal/checkpoint"
	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/generator"
	"github.com/runnerr0/tabtime/internal/idgen"
	"github.com/runnerr0/tabtime/internal/logging"
	"github.com/runnerr0/tabtime/internal/queue"
	"github.com/runnerr0/tabtime/internal/recovery"
	"github.com/runnerr0/tabtime/internal/state"
	"github.com/runnerr0/tabtime/internal/storage"
	"github.com/runnerr0/tabtime/internal/urlfilter"
)

// InactivityAlarm is the alarm driving the inactivity sweep.
const InactivityAlarm = "tabtime-inactivity"

// Store is the durable side of the engine: event log, snapshots, recovery
// scratch space, alarm registry and exclusion rules.
type Store interface {
	queue.Writer
	recovery.EventLog
	recovery.SnapshotStore
	recovery.ScratchStore
	alarm.Registry
	LoadExclusions(ctx context.Context) ([]storage.Exclusion, error)
}

// Stats is a combined view of engine activity.
type Stats struct {
	Sessions   int
	Queue      queue.Stats
	Checkpoint checkpoint.Stats
	Recovery   recovery.Statistics
}

// Engine is safe for concurrent use by browser callbacks.
type Engine struct {
	cfg    *config.Config
	db     Store
	clock  clock.Clock
	logger *zap.Logger

	filter    urlfilter.Filter
	sessions  *state.Store
	gen       *generator.Generator
	queue     *queue.Queue
	alarms    *alarm.Manager
	scheduler *checkpoint.Scheduler
	recovery  *recovery.Recovery

	// tabLocks serialise navigation and removal of the same tab.
	tabLocks [64]sync.Mutex

	mu          sync.Mutex
	activeTabs  map[int]int // window id -> active tab id
	focusedWin  int
	recoveryRun recovery.Statistics
	started     bool
	closed      bool
}

type options struct {
	clock       clock.Clock
	logger      *zap.Logger
	visitIDs    idgen.Generator
	activityIDs idgen.Generator
	eventIDs    idgen.Generator
}

// Option configures an Engine.
type Option func(*options)

// WithClock sets the clock shared by the engine and its components.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIDs replaces the identifier generators, for deterministic tests.
func WithIDs(visits, activities, events idgen.Generator) Option {
	return func(o *options) {
		o.visitIDs, o.activityIDs, o.eventIDs = visits, activities, events
	}
}

// New builds every component from cfg. Configuration problems fail here,
// before any event is accepted.
func New(ctx context.Context, cfg *config.Config, db Store, tabs recovery.TabSource, opts ...Option) (*Engine, error) {
	if cfg == nil || db == nil {
		return nil, errors.New("engine: config and store are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	o := options{
		clock:       clock.New(),
		visitIDs:    idgen.Default,
		activityIDs: idgen.Default,
		eventIDs:    idgen.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)

	exclusions, err := db.LoadExclusions(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	rules := lo.Map(exclusions, func(e storage.Exclusion, _ int) urlfilter.Rule {
		return urlfilter.Rule{Type: e.RuleType, Value: e.RuleValue}
	})
	filter, err := urlfilter.New(cfg.Capture, rules...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	gen, err := generator.New(generator.ThresholdsFrom(cfg.Tracking), filter,
		generator.WithVisitIDs(o.visitIDs),
		generator.WithActivityIDs(o.activityIDs),
		generator.WithEventIDs(o.eventIDs),
		generator.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	q, err := queue.New(queue.ConfigFrom(cfg.Queue), db, queue.WithClock(o.clock), queue.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	alarms := alarm.New(alarm.WithClock(o.clock), alarm.WithLogger(logger), alarm.WithRegistry(db))
	sessions := state.NewStore()

	sched, err := checkpoint.New(checkpoint.ConfigFrom(cfg.Checkpoint), sessions, gen, q, alarms,
		checkpoint.WithClock(o.clock), checkpoint.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	recOpts := []recovery.Option{
		recovery.WithSnapshots(db),
		recovery.WithScratch(db),
		recovery.WithMaxAge(cfg.Recovery.MaxAge()),
		recovery.WithClock(o.clock),
		recovery.WithLogger(logger),
	}
	if tabs != nil {
		recOpts = append(recOpts, recovery.WithTabs(tabs))
	}
	rec, err := recovery.New(db, gen, recOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		db:         db,
		clock:      o.clock,
		logger:     logger.Named("engine"),
		filter:     filter,
		sessions:   sessions,
		gen:        gen,
		queue:      q,
		alarms:     alarms,
		scheduler:  sched,
		recovery:   rec,
		activeTabs: make(map[int]int),
		focusedWin: -1,
	}, nil
}

// Start subscribes to alarm ticks, runs recovery, loads the resulting
// sessions and then restores or registers the alarms.
// Recovery failures leave the engine running in degraded mode: they are
// logged and reported in the returned statistics, not as an error.
func (e *Engine) Start(ctx context.Context) (recovery.Statistics, error) {
	e.mu.Lock()
	if e.started {
		stats := e.recoveryRun
		e.mu.Unlock()
		return stats, nil
	}
	e.started = true
	e.mu.Unlock()

	e.alarms.OnAlarm(e.onAlarm)
	e.scheduler.Listen()

	var stats recovery.Statistics
	phase1, err := e.recovery.ReconcileOrphans(ctx)
	stats.Merge(phase1)
	if err != nil {
		e.logger.Error("orphan reconciliation failed, continuing degraded", zap.Error(err))
	}

	reconciled, phase2, err := e.recovery.ReconcileTabs(ctx)
	stats.Merge(phase2)
	if err != nil {
		e.logger.Error("tab reconciliation failed, continuing degraded", zap.Error(err))
	}

	for _, ev := range reconciled.Ended {
		if err := e.queue.Enqueue(ctx, ev); err != nil {
			e.logger.Error("enqueue recovered end", zap.Int("tab_id", ev.TabID), zap.Error(err))
		}
	}
	for _, s := range reconciled.Restored {
		e.sessions.Create(s.TabID, s.State)
		e.noteWindow(s.TabID, s.State)
	}
	for _, s := range reconciled.Created {
		e.sessions.Create(s.TabID, s.State)
		e.noteWindow(s.TabID, s.State)
		if err := e.queue.Enqueue(ctx, s.Event); err != nil {
			e.logger.Error("enqueue recovered session", zap.Int("tab_id", s.TabID), zap.Error(err))
		}
	}

	// Overdue alarms fire as soon as they are re-armed, so the sessions
	// and handlers must be in place first.
	if _, err := e.alarms.Restore(ctx); err != nil {
		e.logger.Error("restore alarms", zap.Error(err))
	}
	if err := e.scheduler.Initialize(ctx); err != nil {
		return stats, fmt.Errorf("engine: %w", err)
	}
	if _, ok := e.alarms.Get(InactivityAlarm); !ok {
		every := e.cfg.Tracking.InactivityCheckInterval()
		if err := e.alarms.Create(ctx, InactivityAlarm, every, every); err != nil {
			return stats, fmt.Errorf("engine: register inactivity alarm: %w", err)
		}
	}

	e.mu.Lock()
	e.recoveryRun = stats
	e.mu.Unlock()

	e.logger.Info("engine started",
		zap.Int("sessions", e.sessions.Len()),
		zap.Int("orphans_closed", stats.RecoveryEventsGenerated),
		zap.Int("recovery_errors", len(stats.Errors)),
	)
	return stats, nil
}

// Shutdown ends running active time, persists session snapshots, stops
// the timers and drains the queue within the configured timeout. Open
// time is left running so the next Start can continue the visits. Alarm
// registrations are kept for the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.alarms.Stop()

	now := e.now()
	var errs []error
	for _, entry := range e.sessions.Entries() {
		if !entry.State.HasActivity() {
			continue
		}
		if err := e.endActivity(ctx, entry.TabID, now, domain.ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.SaveSnapshots(ctx); err != nil {
		errs = append(errs, err)
	}

	timeout := time.Duration(e.cfg.Queue.ShutdownTimeoutMs) * time.Millisecond
	if err := e.queue.Shutdown(ctx, timeout); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine stopped", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// SaveSnapshots persists every live session so the next start can
// continue it.
func (e *Engine) SaveSnapshots(ctx context.Context) error {
	live := lo.PickBy(e.sessions.Snapshot(), func(_ int, st domain.SessionState) bool {
		return st.VisitID != "" && !st.SessionEnded
	})
	if err := e.db.SaveSnapshots(ctx, live); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// Flush writes buffered events now.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	return e.queue.Flush(ctx)
}

// TriggerCheckpoint runs the checkpoint check immediately.
func (e *Engine) TriggerCheckpoint(ctx context.Context) checkpoint.Stats {
	return e.scheduler.TriggerCheck(ctx)
}

// Session returns the tracked state of a tab.
func (e *Engine) Session(tabID int) (domain.SessionState, bool) {
	return e.sessions.Get(tabID)
}

// Stats returns a combined snapshot of engine activity.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	rec := e.recoveryRun
	e.mu.Unlock()
	return Stats{
		Sessions:   e.sessions.Len(),
		Queue:      e.queue.Stats(),
		Checkpoint: e.scheduler.Stats(),
		Recovery:   rec,
	}
}

func (e *Engine) onAlarm(name string) {
	ctx := context.Background()
	switch name {
	case InactivityAlarm:
		e.SweepInactivity(ctx)
	case e.cfg.Checkpoint.AlarmName:
		// The scheduler handles the checkpoints; snapshots ride along so a
		// crash loses at most one interval of session state.
		if err := e.SaveSnapshots(ctx); err != nil {
			e.logger.Warn("periodic snapshot failed", zap.Error(err))
		}
	}
}

func (e *Engine) lockTab(tabID int) func() {
	m := &e.tabLocks[uint(tabID)%uint(len(e.tabLocks))]
	m.Lock()
	return m.Unlock
}

func (e *Engine) now() int64 {
	return domain.Millis(e.clock.Now())
}
