package domain

// SessionState is the mutable per-tab record. Timestamps are epoch
// milliseconds; zero means absent.
type SessionState struct {
	URL             string `json:"url"`
	VisitID         string `json:"visit_id"`
	ActivityID      string `json:"activity_id,omitempty"`
	Audible         bool   `json:"audible"`
	LastInteraction int64  `json:"last_interaction"`
	OpenTimeStart   int64  `json:"open_time_start"`
	ActiveTimeStart int64  `json:"active_time_start,omitempty"`
	Focused         bool   `json:"focused"`
	WindowID        int    `json:"window_id"`
	SessionEnded    bool   `json:"session_ended"`

	// Last checkpoint emitted for this state, so checkpoints repeat once
	// per threshold instead of on every scheduler tick.
	LastOpenCheckpoint   int64 `json:"last_open_checkpoint,omitempty"`
	LastActiveCheckpoint int64 `json:"last_active_checkpoint,omitempty"`
}

// HasActivity reports whether an active-time interval is running.
func (s SessionState) HasActivity() bool {
	return s.ActivityID != ""
}

// StatePatch carries a partial update. Nil fields are left untouched.
type StatePatch struct {
	URL                  *string
	VisitID              *string
	ActivityID           *string
	Audible              *bool
	LastInteraction      *int64
	OpenTimeStart        *int64
	ActiveTimeStart      *int64
	Focused              *bool
	WindowID             *int
	SessionEnded         *bool
	LastOpenCheckpoint   *int64
	LastActiveCheckpoint *int64
}

// Apply merges the patch into s.
func (p StatePatch) Apply(s *SessionState) {
	if p.URL != nil {
		s.URL = *p.URL
	}
	if p.VisitID != nil {
		s.VisitID = *p.VisitID
	}
	if p.ActivityID != nil {
		s.ActivityID = *p.ActivityID
	}
	if p.Audible != nil {
		s.Audible = *p.Audible
	}
	if p.LastInteraction != nil {
		s.LastInteraction = *p.LastInteraction
	}
	if p.OpenTimeStart != nil {
		s.OpenTimeStart = *p.OpenTimeStart
	}
	if p.ActiveTimeStart != nil {
		s.ActiveTimeStart = *p.ActiveTimeStart
	}
	if p.Focused != nil {
		s.Focused = *p.Focused
	}
	if p.WindowID != nil {
		s.WindowID = *p.WindowID
	}
	if p.SessionEnded != nil {
		s.SessionEnded = *p.SessionEnded
	}
	if p.LastOpenCheckpoint != nil {
		s.LastOpenCheckpoint = *p.LastOpenCheckpoint
	}
	if p.LastActiveCheckpoint != nil {
		s.LastActiveCheckpoint = *p.LastActiveCheckpoint
	}
}
