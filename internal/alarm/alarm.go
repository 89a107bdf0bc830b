// Package alarm provides named periodic timers that survive restarts when
// backed by a Registry.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/logging"
	"github.com/runnerr0/tabtime/internal/storage"
)

// Registry persists alarm registrations.
type Registry interface {
	SaveAlarm(ctx context.Context, a storage.Alarm) error
	LoadAlarms(ctx context.Context) ([]storage.Alarm, error)
	DeleteAlarm(ctx context.Context, name string) error
}

// Alarm describes a registered timer.
type Alarm struct {
	Name          string
	Period        time.Duration
	ScheduledTime time.Time
}

// Handler is called with the alarm name each time an alarm fires.
type Handler func(name string)

type entry struct {
	info  Alarm
	timer *clock.Timer
	gen   uint64
}

// Manager owns the running alarms. It is safe for concurrent use.
type Manager struct {
	clock    clock.Clock
	logger   *zap.Logger
	registry Registry

	mu       sync.Mutex
	alarms   map[string]*entry
	handlers []Handler
	gen      uint64
	stopped  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock that drives alarm timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegistry persists registrations so Restore can re-arm them.
func WithRegistry(r Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// New creates a Manager with no alarms.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:  clock.New(),
		alarms: make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = logging.OrNop(m.logger).Named("alarm")
	return m
}

// Restore re-arms every alarm found in the registry. Alarms whose next
// fire time has passed fire on the next clock tick.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.registry == nil {
		return 0, nil
	}
	saved, err := m.registry.LoadAlarms(ctx)
	if err != nil {
		return 0, fmt.Errorf("load alarms: %w", err)
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range saved {
		delay := a.NextFire.Sub(now)
		if delay < 0 {
			delay = 0
		}
		m.armLocked(Alarm{Name: a.Name, Period: a.Period, ScheduledTime: now.Add(delay)}, delay)
	}
	if len(saved) > 0 {
		m.logger.Info("alarms restored", zap.Int("count", len(saved)))
	}
	return len(saved), nil
}

// Create registers a periodic alarm that first fires after delay and then
// every period. An alarm with the same name is replaced.
func (m *Manager) Create(ctx context.Context, name string, delay, period time.Duration) error {
	if name == "" {
		return errors.New("alarm: name is required")
	}
	if period <= 0 {
		return fmt.Errorf("alarm %s: period must be positive, got %s", name, period)
	}
	if delay < 0 {
		delay = 0
	}

	info := Alarm{Name: name, Period: period, ScheduledTime: m.clock.Now().Add(delay)}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("alarm %s: manager stopped", name)
	}
	m.armLocked(info, delay)
	m.mu.Unlock()

	m.logger.Debug("alarm created",
		zap.String("name", name),
		zap.Duration("delay", delay),
		zap.Duration("period", period),
	)
	return m.persist(ctx, info)
}

// Get returns the alarm registered under name.
func (m *Manager) Get(name string) (Alarm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.alarms[name]
	if !ok {
		return Alarm{}, false
	}
	return e.info, true
}

// All returns every registered alarm ordered by name.
func (m *Manager) All() []Alarm {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alarm, 0, len(m.alarms))
	for _, e := range m.alarms {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear cancels and unregisters the named alarm. It reports whether an
// alarm was registered.
func (m *Manager) Clear(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	e, ok := m.alarms[name]
	if ok {
		e.timer.Stop()
		delete(m.alarms, name)
	}
	m.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.DeleteAlarm(ctx, name); err != nil {
			return ok, fmt.Errorf("alarm %s: %w", name, err)
		}
	}
	return ok, nil
}

// OnAlarm adds a listener notified of every alarm.
func (m *Manager) OnAlarm(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Stop cancels all timers without touching the registry, so the alarms
// are restored on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for name, e := range m.alarms {
		e.timer.Stop()
		delete(m.alarms, name)
	}
}

func (m *Manager) armLocked(info Alarm, delay time.Duration) {
	if old, ok := m.alarms[info.Name]; ok {
		old.timer.Stop()
	}
	m.gen++
	e := &entry{info: info, gen: m.gen}
	name, gen := info.Name, e.gen
	e.timer = m.clock.AfterFunc(delay, func() { m.fire(name, gen) })
	m.alarms[info.Name] = e
}

func (m *Manager) fire(name string, gen uint64) {
	m.mu.Lock()
	e, ok := m.alarms[name]
	if !ok || e.gen != gen || m.stopped {
		m.mu.Unlock()
		return
	}
	next := e.info
	next.ScheduledTime = e.info.ScheduledTime.Add(e.info.Period)
	delay := next.ScheduledTime.Sub(m.clock.Now())
	if delay < 0 {
		// Missed ticks collapse into one.
		next.ScheduledTime = m.clock.Now().Add(e.info.Period)
		delay = e.info.Period
	}
	e.info = next
	e.timer = m.clock.AfterFunc(delay, func() { m.fire(name, gen) })
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if err := m.persist(context.Background(), next); err != nil {
		m.logger.Warn("persist alarm failed", zap.String("name", name), zap.Error(err))
	}
	for _, h := range handlers {
		h(name)
	}
}

func (m *Manager) persist(ctx context.Context, a Alarm) error {
	if m.registry == nil {
		return nil
	}
	return m.registry.SaveAlarm(ctx, storage.Alarm{
		Name:     a.Name,
		Period:   a.Period,
		NextFire: a.ScheduledTime,
	})
}
