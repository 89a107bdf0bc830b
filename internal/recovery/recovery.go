// Package recovery reconciles the event log and the open tabs after a
// restart. Phase 1 closes sessions left open by an unclean shutdown;
// Phase 2 rebuilds session state for the tabs that are open now.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/generator"
	"github.com/runnerr0/tabtime/internal/logging"
)

// scratchKeyStarted marks a recovery run that has not reached the end of
// Phase 2.
const scratchKeyStarted = "recovery_started_at"

// EventLog is the part of the durable store recovery reads and writes.
type EventLog interface {
	UnprocessedSince(ctx context.Context, cutoff int64) ([]domain.Event, error)
	AppendEvent(ctx context.Context, event domain.Event) error
}

// SnapshotStore persists session state across restarts.
type SnapshotStore interface {
	LoadSnapshots(ctx context.Context) (map[int]domain.SessionState, error)
	SaveSnapshots(ctx context.Context, sessions map[int]domain.SessionState) error
}

// ScratchStore is recovery-scoped key/value storage, separate from the
// event log.
type ScratchStore interface {
	GetScratch(ctx context.Context, key string) (string, bool, error)
	PutScratch(ctx context.Context, key, value string) error
	ClearScratch(ctx context.Context) error
}

// Tab is a currently open browser tab.
type Tab struct {
	ID       int
	URL      string
	WindowID int
	Audible  bool
	Focused  bool
}

// TabSource lists the open tabs.
type TabSource interface {
	ListTabs(ctx context.Context) ([]Tab, error)
}

// Statistics accumulates over both phases.
type Statistics struct {
	OrphanSessionsFound     int
	RecoveryEventsGenerated int
	TabsInitialized         int
	TabsRestored            int
	SnapshotsPruned         int
	SessionsEnded           int
	Errors                  []string
}

// Merge adds other into s.
func (s *Statistics) Merge(other Statistics) {
	s.OrphanSessionsFound += other.OrphanSessionsFound
	s.RecoveryEventsGenerated += other.RecoveryEventsGenerated
	s.TabsInitialized += other.TabsInitialized
	s.TabsRestored += other.TabsRestored
	s.SnapshotsPruned += other.SnapshotsPruned
	s.SessionsEnded += other.SessionsEnded
	s.Errors = append(s.Errors, other.Errors...)
}

func (s *Statistics) fail(err error) error {
	s.Errors = append(s.Errors, err.Error())
	return err
}

// Recovery runs the two reconciliation phases.
type Recovery struct {
	log       EventLog
	gen       *generator.Generator
	snapshots SnapshotStore
	scratch   ScratchStore
	tabs      TabSource
	maxAge    time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

// Option configures a Recovery.
type Option func(*Recovery)

// WithSnapshots enables session continuity across restarts.
func WithSnapshots(s SnapshotStore) Option {
	return func(r *Recovery) { r.snapshots = s }
}

// WithScratch sets the recovery-scoped scratch store.
func WithScratch(s ScratchStore) Option {
	return func(r *Recovery) { r.scratch = s }
}

// WithTabs sets the open-tab source used by both phases.
func WithTabs(t TabSource) Option {
	return func(r *Recovery) { r.tabs = t }
}

// WithMaxAge bounds how far back Phase 1 looks for orphans.
func WithMaxAge(d time.Duration) Option {
	return func(r *Recovery) { r.maxAge = d }
}

// WithClock sets the clock used for the max-age cutoff and recovery end times.
func WithClock(c clock.Clock) Option {
	return func(r *Recovery) { r.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recovery) { r.logger = l }
}

// New wires recovery to the event log and generator.
func New(log EventLog, gen *generator.Generator, opts ...Option) (*Recovery, error) {
	if log == nil || gen == nil {
		return nil, errors.New("recovery: event log and generator are required")
	}
	r := &Recovery{
		log:    log,
		gen:    gen,
		maxAge: 7 * 24 * time.Hour,
		clock:  clock.New(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.maxAge <= 0 {
		return nil, fmt.Errorf("recovery: max age must be positive, got %s", r.maxAge)
	}
	r.logger = logging.OrNop(r.logger).Named("recovery")
	return r, nil
}

// ReconcileOrphans is Phase 1. It writes one crash_recovery end event
// per orphaned session, each in its own write. Sessions that continue in
// a persisted snapshot of a still-open tab are not orphans.
func (r *Recovery) ReconcileOrphans(ctx context.Context) (Statistics, error) {
	var stats Statistics
	now := r.clock.Now()
	r.markStarted(ctx, now)

	cutoff := domain.Millis(now.Add(-r.maxAge))
	events, err := r.log.UnprocessedSince(ctx, cutoff)
	if err != nil {
		return stats, stats.fail(fmt.Errorf("phase 1: query unprocessed events: %w", err))
	}

	orphans := findOrphans(events, r.continuingSessions(ctx))
	stats.OrphanSessionsFound = len(orphans)

	for _, o := range orphans {
		ev, err := r.synthesizeEnd(o)
		if err != nil {
			return stats, stats.fail(fmt.Errorf("phase 1: %s %s: %w", o.endKind, o.key, err))
		}
		if err := r.log.AppendEvent(ctx, ev); err != nil {
			return stats, stats.fail(fmt.Errorf("phase 1: write %s for %s: %w", o.endKind, o.key, err))
		}
		stats.RecoveryEventsGenerated++
		r.logger.Info("orphan session closed",
			zap.String("kind", string(o.endKind)),
			zap.String("session", o.key),
			zap.Int("tab_id", o.source.TabID),
			zap.Int64("ts", ev.Timestamp),
		)
	}

	r.logger.Info("phase 1 complete",
		zap.Int("scanned", len(events)),
		zap.Int("orphans", stats.OrphanSessionsFound),
		zap.Int("written", stats.RecoveryEventsGenerated),
	)
	return stats, nil
}

// Session is a restored or newly created tab session.
type Session struct {
	TabID int
	State domain.SessionState
}

// NewSession is a session synthesized for a tab with no snapshot. Event
// is its open_time_start, still to be enqueued by the caller.
type NewSession struct {
	Session
	Event domain.Event
}

// Reconciled is the outcome of Phase 2. Ended holds crash_recovery end
// events for saved sessions whose tab now shows an untracked URL.
type Reconciled struct {
	Restored []Session
	Created  []NewSession
	Ended    []domain.Event
}

// ReconcileTabs is Phase 2. It performs no event log writes: new
// sessions are returned with their start events for the caller to
// enqueue.
func (r *Recovery) ReconcileTabs(ctx context.Context) (Reconciled, Statistics, error) {
	var (
		out   Reconciled
		stats Statistics
	)
	if r.tabs == nil {
		return out, stats, stats.fail(errors.New("phase 2: no tab source configured"))
	}
	tabs, err := r.tabs.ListTabs(ctx)
	if err != nil {
		return out, stats, stats.fail(fmt.Errorf("phase 2: list tabs: %w", err))
	}

	saved := map[int]domain.SessionState{}
	if r.snapshots != nil {
		saved, err = r.snapshots.LoadSnapshots(ctx)
		if err != nil {
			return out, stats, stats.fail(fmt.Errorf("phase 2: load snapshots: %w", err))
		}
	}

	now := domain.Millis(r.clock.Now())
	keep := make(map[int]bool, len(tabs))
	for _, tab := range tabs {
		keep[tab.ID] = true

		if snap, ok := saved[tab.ID]; ok && snap.VisitID != "" {
			canonical, tracked, reason := r.gen.CheckURL(tab.URL)
			if !tracked {
				keep[tab.ID] = false
				ended, err := r.endSnapshot(tab.ID, snap)
				if err != nil {
					r.logger.Warn("saved session not ended", zap.Int("tab_id", tab.ID), zap.Error(err))
					continue
				}
				out.Ended = append(out.Ended, ended...)
				stats.SessionsEnded++
				r.logger.Debug("saved session ended on untracked url",
					zap.Int("tab_id", tab.ID), zap.String("visit_id", snap.VisitID), zap.String("reason", reason))
				continue
			}
			snap.URL = canonical
			snap.Audible = tab.Audible
			snap.Focused = tab.Focused
			out.Restored = append(out.Restored, Session{TabID: tab.ID, State: snap})
			stats.TabsRestored++
			continue
		}

		res := r.gen.StartOpenTime(tab.ID, tab.URL, now, tab.WindowID, domain.ResolutionNone)
		switch res.Status {
		case domain.StatusSkipped:
			r.logger.Debug("tab not tracked", zap.Int("tab_id", tab.ID), zap.String("reason", res.Reason))
			continue
		case domain.StatusError:
			r.logger.Warn("tab session not created", zap.Int("tab_id", tab.ID), zap.Error(res.AsError()))
			continue
		}
		out.Created = append(out.Created, NewSession{
			Session: Session{
				TabID: tab.ID,
				State: domain.SessionState{
					URL:           res.Event.URL,
					VisitID:       res.Event.VisitID,
					OpenTimeStart: now,
					Audible:       tab.Audible,
					Focused:       tab.Focused,
					WindowID:      tab.WindowID,
				},
			},
			Event: res.Event,
		})
		stats.TabsInitialized++
	}

	if r.snapshots != nil {
		kept := make(map[int]domain.SessionState, len(saved))
		for id, st := range saved {
			if keep[id] {
				kept[id] = st
			}
		}
		if pruned := len(saved) - len(kept); pruned > 0 {
			if err := r.snapshots.SaveSnapshots(ctx, kept); err != nil {
				return out, stats, stats.fail(fmt.Errorf("phase 2: prune snapshots: %w", err))
			}
			stats.SnapshotsPruned = pruned
		}
	}

	if r.scratch != nil {
		if err := r.scratch.ClearScratch(ctx); err != nil {
			return out, stats, stats.fail(fmt.Errorf("phase 2: clear scratch: %w", err))
		}
	}

	r.logger.Info("phase 2 complete",
		zap.Int("tabs", len(tabs)),
		zap.Int("restored", stats.TabsRestored),
		zap.Int("initialized", stats.TabsInitialized),
		zap.Int("pruned", stats.SnapshotsPruned),
		zap.Int("ended", stats.SessionsEnded),
	)
	return out, stats, nil
}

// endSnapshot builds the crash_recovery ends of a saved session, active
// time first, stamped when the session was last seen.
func (r *Recovery) endSnapshot(tabID int, snap domain.SessionState) ([]domain.Event, error) {
	at := max(snap.OpenTimeStart, snap.ActiveTimeStart, snap.LastInteraction,
		snap.LastOpenCheckpoint, snap.LastActiveCheckpoint)
	var events []domain.Event
	if snap.HasActivity() {
		res := r.gen.EndActiveTime(tabID, snap, at, domain.ReasonRecovery, domain.ResolutionCrashRecovery)
		if !res.OK() {
			return nil, res.AsError()
		}
		events = append(events, res.Event)
	}
	res := r.gen.EndOpenTime(tabID, snap, at, domain.ResolutionCrashRecovery)
	if !res.OK() {
		return nil, res.AsError()
	}
	return append(events, res.Event), nil
}

// markStarted records the run in scratch, warning when the previous run
// never finished Phase 2.
func (r *Recovery) markStarted(ctx context.Context, now time.Time) {
	if r.scratch == nil {
		return
	}
	if prev, ok, err := r.scratch.GetScratch(ctx, scratchKeyStarted); err == nil && ok {
		r.logger.Warn("previous recovery did not complete", zap.String("started_at", prev))
	}
	if err := r.scratch.PutScratch(ctx, scratchKeyStarted, strconv.FormatInt(domain.Millis(now), 10)); err != nil {
		r.logger.Warn("record recovery start", zap.Error(err))
	}
}

// continuingSessions returns the visit and activity ids of snapshots
// whose tabs are still open. Without both collaborators nothing continues.
func (r *Recovery) continuingSessions(ctx context.Context) map[string]bool {
	live := map[string]bool{}
	if r.snapshots == nil || r.tabs == nil {
		return live
	}
	saved, err := r.snapshots.LoadSnapshots(ctx)
	if err != nil {
		r.logger.Warn("load snapshots for phase 1", zap.Error(err))
		return live
	}
	tabs, err := r.tabs.ListTabs(ctx)
	if err != nil {
		r.logger.Warn("list tabs for phase 1", zap.Error(err))
		return live
	}
	for _, tab := range tabs {
		st, ok := saved[tab.ID]
		if !ok {
			continue
		}
		if st.VisitID != "" {
			live[st.VisitID] = true
		}
		if st.ActivityID != "" {
			live[st.ActivityID] = true
		}
	}
	return live
}

func (r *Recovery) synthesizeEnd(o orphan) (domain.Event, error) {
	st := domain.SessionState{
		URL:        o.source.URL,
		VisitID:    o.source.VisitID,
		ActivityID: o.source.ActivityID,
	}
	var res domain.Result
	if o.endKind == domain.KindActiveTimeEnd {
		res = r.gen.EndActiveTime(o.source.TabID, st, o.lastSeen, domain.ReasonRecovery, domain.ResolutionCrashRecovery)
	} else {
		res = r.gen.EndOpenTime(o.source.TabID, st, o.lastSeen, domain.ResolutionCrashRecovery)
	}
	if !res.OK() {
		if err := res.AsError(); err != nil {
			return domain.Event{}, err
		}
		return domain.Event{}, fmt.Errorf("end event skipped: %s", res.Reason)
	}
	return res.Event, nil
}
