// Package generator decides whether a tab transition produces a domain
// event and builds it. It performs no I/O and never mutates session
// state; callers apply returned identifiers themselves.
package generator

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/idgen"
	"github.com/runnerr0/tabtime/internal/logging"
	"github.com/runnerr0/tabtime/internal/urlfilter"
)

// Thresholds configures timeout and checkpoint decisions.
type Thresholds struct {
	Inactivity        time.Duration
	AudibleInactivity time.Duration
	OpenCheckpoint    time.Duration
	ActiveCheckpoint  time.Duration
}

// ThresholdsFrom converts the tracking config section.
func ThresholdsFrom(c config.TrackingConfig) Thresholds {
	return Thresholds{
		Inactivity:        c.InactivityThreshold(),
		AudibleInactivity: c.AudibleInactivityThreshold(),
		OpenCheckpoint:    c.OpenCheckpointThreshold(),
		ActiveCheckpoint:  c.ActiveCheckpointThreshold(),
	}
}

// Generator builds domain events.
type Generator struct {
	thresholds  Thresholds
	filter      urlfilter.Filter
	visitIDs    idgen.Generator
	activityIDs idgen.Generator
	eventIDs    idgen.Generator
	logger      *zap.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithVisitIDs sets the generator used for visit identifiers.
func WithVisitIDs(gen idgen.Generator) Option {
	return func(g *Generator) { g.visitIDs = gen }
}

// WithActivityIDs sets the generator used for activity identifiers.
func WithActivityIDs(gen idgen.Generator) Option {
	return func(g *Generator) { g.activityIDs = gen }
}

// WithEventIDs sets the generator used for event row identifiers.
func WithEventIDs(gen idgen.Generator) Option {
	return func(g *Generator) { g.eventIDs = gen }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// New validates thresholds and returns a Generator.
func New(t Thresholds, filter urlfilter.Filter, opts ...Option) (*Generator, error) {
	if filter == nil {
		return nil, errors.New("generator: url filter is required")
	}
	if t.Inactivity <= 0 || t.OpenCheckpoint <= 0 || t.ActiveCheckpoint <= 0 {
		return nil, fmt.Errorf("generator: thresholds must be positive: %+v", t)
	}
	if t.AudibleInactivity < t.Inactivity {
		return nil, fmt.Errorf("generator: audible inactivity threshold %s below inactivity threshold %s",
			t.AudibleInactivity, t.Inactivity)
	}
	g := &Generator{
		thresholds:  t,
		filter:      filter,
		visitIDs:    idgen.Default,
		activityIDs: idgen.Default,
		eventIDs:    idgen.Default,
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = logging.OrNop(g.logger).Named("generator")
	return g, nil
}

// Thresholds returns the configured thresholds.
func (g *Generator) Thresholds() Thresholds {
	return g.thresholds
}

// CheckURL reports the canonical form of rawURL and whether it is
// tracked, with the rejection reason otherwise.
func (g *Generator) CheckURL(rawURL string) (string, bool, string) {
	return g.filter.Check(rawURL)
}

// StartOpenTime opens a new visit for tabID. The returned event carries
// the freshly minted visit id and canonical URL.
func (g *Generator) StartOpenTime(tabID int, rawURL string, ts int64, windowID int, res domain.Resolution) domain.Result {
	if tabID < 0 {
		return domain.Failed(domain.ErrorInvalidInput, "tab id must not be negative, got %d", tabID)
	}
	if ts <= 0 {
		return domain.Failed(domain.ErrorInvalidInput, "timestamp must be positive, got %d", ts)
	}
	canonical, ok, reason := g.filter.Check(rawURL)
	if !ok {
		g.logger.Debug("open time skipped",
			zap.Int("tab_id", tabID), zap.Int("window_id", windowID), zap.String("reason", reason))
		return domain.Skipped("filtered: " + reason)
	}
	ev := g.newEvent(domain.KindOpenTimeStart, tabID, canonical, ts, res)
	ev.VisitID = g.visitIDs()
	return domain.Ok(ev)
}

// EndOpenTime closes the snapshot's visit. Idempotence is the caller's
// job: check and set SessionEnded before calling.
func (g *Generator) EndOpenTime(tabID int, s domain.SessionState, ts int64, res domain.Resolution) domain.Result {
	if s.VisitID == "" {
		return domain.Failed(domain.ErrorInvalidInput, "session for tab %d has no visit id", tabID)
	}
	ev := g.newEvent(domain.KindOpenTimeEnd, tabID, s.URL, ts, res)
	ev.VisitID = s.VisitID
	return domain.Ok(ev)
}

// StartActiveTime opens an activity inside the snapshot's visit. The URL
// is re-checked because it may have changed since the visit started.
func (g *Generator) StartActiveTime(tabID int, s domain.SessionState, ts int64, res domain.Resolution) domain.Result {
	if s.VisitID == "" {
		return domain.Failed(domain.ErrorPrecondition, "tab %d has no open visit", tabID)
	}
	canonical, ok, reason := g.filter.Check(s.URL)
	if !ok {
		return domain.Skipped("filtered: " + reason)
	}
	ev := g.newEvent(domain.KindActiveTimeStart, tabID, canonical, ts, res)
	ev.VisitID = s.VisitID
	ev.ActivityID = g.activityIDs()
	return domain.Ok(ev)
}

// EndActiveTime closes the snapshot's running activity.
func (g *Generator) EndActiveTime(tabID int, s domain.SessionState, ts int64, reason string, res domain.Resolution) domain.Result {
	if s.ActivityID == "" {
		return domain.Failed(domain.ErrorPrecondition, "tab %d has no active time to end", tabID)
	}
	ev := g.newEvent(domain.KindActiveTimeEnd, tabID, s.URL, ts, res)
	ev.VisitID = s.VisitID
	ev.ActivityID = s.ActivityID
	ev.Reason = reason
	return domain.Ok(ev)
}

// Checkpoint records the accumulated duration of a long-running interval.
// The activity id is attached only to active-time checkpoints.
func (g *Generator) Checkpoint(tabID int, s domain.SessionState, ts int64, data domain.CheckpointData) domain.Result {
	ev := g.newEvent(domain.KindCheckpoint, tabID, s.URL, ts, domain.ResolutionNone)
	ev.VisitID = s.VisitID
	ev.CheckpointKind = data.Kind
	ev.DurationMs = data.DurationMs
	ev.IsPeriodic = data.IsPeriodic
	if data.Kind == domain.CheckpointActiveTime {
		ev.ActivityID = s.ActivityID
	}
	return domain.Ok(ev)
}

// ShouldTimeoutActiveTime reports whether the user has been idle long
// enough to end active time. Audible tabs get the longer threshold.
func (g *Generator) ShouldTimeoutActiveTime(s domain.SessionState, now int64) bool {
	if s.LastInteraction <= 0 {
		return false
	}
	threshold := g.thresholds.Inactivity
	if s.Audible {
		threshold = g.thresholds.AudibleInactivity
	}
	return now-s.LastInteraction >= threshold.Milliseconds()
}

// ShouldCheckpoint reports whether the interval of the given kind has run
// past its threshold since it started or since its last checkpoint.
func (g *Generator) ShouldCheckpoint(s domain.SessionState, now int64, kind domain.CheckpointKind) bool {
	var start, last int64
	var threshold time.Duration
	switch kind {
	case domain.CheckpointActiveTime:
		if s.ActivityID == "" {
			return false
		}
		start, last, threshold = s.ActiveTimeStart, s.LastActiveCheckpoint, g.thresholds.ActiveCheckpoint
	case domain.CheckpointOpenTime:
		if s.VisitID == "" || s.SessionEnded {
			return false
		}
		start, last, threshold = s.OpenTimeStart, s.LastOpenCheckpoint, g.thresholds.OpenCheckpoint
	default:
		return false
	}
	if start <= 0 {
		return false
	}
	from := max(start, last)
	return now-from > threshold.Milliseconds()
}

// CheckpointDue returns the checkpoint kind to emit for s, if any. Active
// time wins when both are due.
func (g *Generator) CheckpointDue(s domain.SessionState, now int64) (domain.CheckpointKind, bool) {
	if g.ShouldCheckpoint(s, now, domain.CheckpointActiveTime) {
		return domain.CheckpointActiveTime, true
	}
	if g.ShouldCheckpoint(s, now, domain.CheckpointOpenTime) {
		return domain.CheckpointOpenTime, true
	}
	return "", false
}

// Duration returns the elapsed milliseconds of the kind's interval at now.
func Duration(s domain.SessionState, now int64, kind domain.CheckpointKind) int64 {
	start := s.OpenTimeStart
	if kind == domain.CheckpointActiveTime {
		start = s.ActiveTimeStart
	}
	if start <= 0 || now < start {
		return 0
	}
	return now - start
}

func (g *Generator) newEvent(kind domain.Kind, tabID int, url string, ts int64, res domain.Resolution) domain.Event {
	return domain.Event{
		ID:         g.eventIDs(),
		Kind:       kind,
		Timestamp:  ts,
		TabID:      tabID,
		URL:        url,
		Resolution: res,
	}
}
