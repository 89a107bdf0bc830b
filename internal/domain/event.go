package domain

import "time"

// Kind identifies the type of a domain event.
type Kind string

const (
	KindOpenTimeStart   Kind = "open_time_start"
	KindOpenTimeEnd     Kind = "open_time_end"
	KindActiveTimeStart Kind = "active_time_start"
	KindActiveTimeEnd   Kind = "active_time_end"
	KindCheckpoint      Kind = "checkpoint"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOpenTimeStart, KindOpenTimeEnd, KindActiveTimeStart, KindActiveTimeEnd, KindCheckpoint:
		return true
	}
	return false
}

// IsEnd reports whether k closes an interval.
func (k Kind) IsEnd() bool {
	return k == KindOpenTimeEnd || k == KindActiveTimeEnd
}

// CheckpointKind says which interval a checkpoint measures.
type CheckpointKind string

const (
	CheckpointOpenTime   CheckpointKind = "open_time"
	CheckpointActiveTime CheckpointKind = "active_time"
)

// Resolution tags events synthesized outside live tracking.
type Resolution string

const (
	ResolutionNone          Resolution = ""
	ResolutionCrashRecovery Resolution = "crash_recovery"
)

// Reasons carried on active_time_end events.
const (
	ReasonInactivity = "inactivity"
	ReasonFocusLost  = "focus_lost"
	ReasonNavigation = "navigation"
	ReasonTabClosed  = "tab_closed"
	ReasonShutdown   = "shutdown"
	ReasonRecovery   = "crash_recovery"
)

// Event is an immutable record in the append-only log. Timestamps are
// milliseconds since the Unix epoch.
type Event struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Timestamp  int64      `json:"timestamp"`
	TabID      int        `json:"tab_id"`
	URL        string     `json:"url"`
	VisitID    string     `json:"visit_id"`
	ActivityID string     `json:"activity_id,omitempty"`
	Processed  bool       `json:"processed"`
	Resolution Resolution `json:"resolution,omitempty"`

	// Set on checkpoint events only.
	CheckpointKind CheckpointKind `json:"checkpoint_kind,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
	IsPeriodic     bool           `json:"is_periodic,omitempty"`

	// Set on active_time_end events only.
	Reason string `json:"reason,omitempty"`
}

// SessionKey returns the identifier that scopes the event's interval: the
// activity id for active-time events and active-time checkpoints, the
// visit id otherwise.
func (e Event) SessionKey() string {
	switch e.Kind {
	case KindActiveTimeStart, KindActiveTimeEnd:
		return e.ActivityID
	case KindCheckpoint:
		if e.CheckpointKind == CheckpointActiveTime && e.ActivityID != "" {
			return e.ActivityID
		}
	}
	return e.VisitID
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// CheckpointData describes the checkpoint to build.
type CheckpointData struct {
	Kind       CheckpointKind
	DurationMs int64
	IsPeriodic bool
}

// Millis converts t into the event timestamp representation.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
