// Package checkpoint turns a periodic alarm into checkpoint events for
// long-running sessions.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/alarm"
	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/generator"
	"github.com/runnerr0/tabtime/internal/logging"
	"github.com/runnerr0/tabtime/internal/state"
)

// Alarms is the platform timer the scheduler registers with.
type Alarms interface {
	Create(ctx context.Context, name string, delay, period time.Duration) error
	Get(name string) (alarm.Alarm, bool)
	Clear(ctx context.Context, name string) (bool, error)
	OnAlarm(h alarm.Handler)
}

// Enqueuer accepts generated checkpoint events.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev domain.Event) error
}

// Config names the alarm and sets how often sessions are checked.
type Config struct {
	AlarmName string
	Interval  time.Duration
}

// ConfigFrom converts the checkpoint config section.
func ConfigFrom(c config.CheckpointConfig) Config {
	return Config{
		AlarmName: c.AlarmName,
		Interval:  time.Duration(c.IntervalMinutes) * time.Minute,
	}
}

// Stats describes scheduler activity.
type Stats struct {
	ChecksPerformed      int64
	CheckpointsGenerated int64
	LastCheck            time.Time
	SessionsTracked      int
	Errors               int64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	store  *state.Store
	gen    *generator.Generator
	queue  Enqueuer
	alarms Alarms
	clock  clock.Clock
	logger *zap.Logger

	// checkMu keeps ticks from overlapping.
	checkMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	listening   bool
	stopped     bool
	stats       Stats
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for checkpoint timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New validates cfg and wires the scheduler to its collaborators.
func New(cfg Config, store *state.Store, gen *generator.Generator, q Enqueuer, alarms Alarms, opts ...Option) (*Scheduler, error) {
	switch {
	case cfg.AlarmName == "":
		return nil, errors.New("checkpoint: alarm name is required")
	case cfg.Interval <= 0:
		return nil, fmt.Errorf("checkpoint: interval must be positive, got %s", cfg.Interval)
	case store == nil || gen == nil || q == nil || alarms == nil:
		return nil, errors.New("checkpoint: store, generator, queue and alarms are required")
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		gen:    gen,
		queue:  q,
		alarms: alarms,
		clock:  clock.New(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrNop(s.logger).Named("checkpoint")
	return s, nil
}

// Listen subscribes the scheduler to alarm ticks without registering the
// alarm. Call it before restoring persisted alarms so an overdue tick is
// not missed. Ticks are handled from then on until Stop.
func (s *Scheduler) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenLocked()
}

func (s *Scheduler) listenLocked() {
	if !s.listening {
		s.alarms.OnAlarm(s.onAlarm)
		s.listening = true
	}
}

// Initialize subscribes to the alarm and registers it unless an alarm
// with the configured name already exists, as it does after a restart.
// Calling Initialize again is a no-op.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.listenLocked()
	s.mu.Unlock()

	if existing, ok := s.alarms.Get(s.cfg.AlarmName); ok {
		s.logger.Info("reusing checkpoint alarm",
			zap.String("alarm", existing.Name),
			zap.Duration("period", existing.Period),
			zap.Time("next", existing.ScheduledTime),
		)
	} else {
		if err := s.alarms.Create(ctx, s.cfg.AlarmName, s.cfg.Interval, s.cfg.Interval); err != nil {
			return fmt.Errorf("checkpoint: register alarm: %w", err)
		}
		s.logger.Info("checkpoint alarm registered",
			zap.String("alarm", s.cfg.AlarmName),
			zap.Duration("interval", s.cfg.Interval),
		)
	}

	s.mu.Lock()
	s.initialized = true
	s.stopped = false
	s.mu.Unlock()
	return nil
}

// Stop clears the alarm. The alarm listener stays subscribed but ignores
// ticks until Initialize is called again.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	s.stopped = true
	s.mu.Unlock()

	if _, err := s.alarms.Clear(ctx, s.cfg.AlarmName); err != nil {
		return fmt.Errorf("checkpoint: clear alarm: %w", err)
	}
	s.logger.Info("checkpoint scheduler stopped")
	return nil
}

// Initialized reports whether the scheduler reacts to alarm ticks.
func (s *Scheduler) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// TriggerCheck runs one check over every tracked session and returns the
// updated statistics.
func (s *Scheduler) TriggerCheck(ctx context.Context) Stats {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	now := s.clock.Now()
	nowMs := domain.Millis(now)
	entries := s.store.Entries()

	var generated, failed int64
	for _, e := range entries {
		emitted, err := s.checkTab(ctx, e.TabID, e.State, nowMs)
		if err != nil {
			failed++
			s.logger.Warn("checkpoint failed", zap.Int("tab_id", e.TabID), zap.Error(err))
			continue
		}
		if emitted {
			generated++
		}
	}

	s.mu.Lock()
	s.stats.ChecksPerformed++
	s.stats.CheckpointsGenerated += generated
	s.stats.Errors += failed
	s.stats.LastCheck = now
	s.stats.SessionsTracked = len(entries)
	out := s.stats
	s.mu.Unlock()

	s.logger.Debug("checkpoint check complete",
		zap.Int("sessions", len(entries)),
		zap.Int64("generated", generated),
	)
	return out
}

// Stats returns a copy of the running statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) onAlarm(name string) {
	if name != s.cfg.AlarmName {
		return
	}
	s.mu.Lock()
	active := s.listening && !s.stopped
	s.mu.Unlock()
	if !active {
		return
	}
	s.TriggerCheck(context.Background())
}

// checkTab emits at most one checkpoint for the tab, active time first.
func (s *Scheduler) checkTab(ctx context.Context, tabID int, st domain.SessionState, now int64) (bool, error) {
	kind, due := s.gen.CheckpointDue(st, now)
	if !due {
		return false, nil
	}

	res := s.gen.Checkpoint(tabID, st, now, domain.CheckpointData{
		Kind:       kind,
		DurationMs: generator.Duration(st, now, kind),
		IsPeriodic: true,
	})
	if !res.OK() {
		if err := res.AsError(); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.queue.Enqueue(ctx, res.Event); err != nil {
		return false, fmt.Errorf("enqueue checkpoint: %w", err)
	}

	// Record the checkpoint only against the interval it measured.
	var patch domain.StatePatch
	var same func(domain.SessionState) bool
	if kind == domain.CheckpointActiveTime {
		patch.LastActiveCheckpoint = &now
		same = func(cur domain.SessionState) bool { return cur.ActivityID == st.ActivityID }
	} else {
		patch.LastOpenCheckpoint = &now
		same = func(cur domain.SessionState) bool { return cur.VisitID == st.VisitID }
	}
	s.store.UpdateIf(tabID, same, patch)

	s.logger.Debug("checkpoint emitted",
		zap.Int("tab_id", tabID),
		zap.String("kind", string(kind)),
		zap.Int64("duration_ms", res.Event.DurationMs),
	)
	return true, nil
}
