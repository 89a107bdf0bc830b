// Package state holds the in-memory per-tab session records.
package state

import (
	"sort"
	"sync"

	"github.com/runnerr0/tabtime/internal/domain"
)

// Store maps tab ids to session state. It carries no business rules;
// callers own the invariants. Reads return copies.
type Store struct {
	mu       sync.Mutex
	sessions map[int]*domain.SessionState
}

// Entry pairs a tab id with a copy of its state.
type Entry struct {
	TabID int
	State domain.SessionState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[int]*domain.SessionState)}
}

// Create stores s for tabID, replacing any previous record.
func (s *Store) Create(tabID int, st domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st
	s.sessions[tabID] = &cp
}

// Get returns a copy of the tab's state.
func (s *Store) Get(tabID int) (domain.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[tabID]
	if !ok {
		return domain.SessionState{}, false
	}
	return *st, true
}

// Update merges patch into the tab's state. Unknown tabs are ignored so
// late callbacks for closed tabs are harmless.
func (s *Store) Update(tabID int, patch domain.StatePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[tabID]; ok {
		patch.Apply(st)
	}
}

// UpdateIf merges patch only when pred accepts the current state. It
// reports whether the patch was applied.
func (s *Store) UpdateIf(tabID int, pred func(domain.SessionState) bool, patch domain.StatePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[tabID]
	if !ok || !pred(*st) {
		return false
	}
	patch.Apply(st)
	return true
}

// Replace installs st for tabID only while the tab still holds the visit
// expectVisit, or is untracked when expectVisit is empty. It reports
// whether st was installed.
func (s *Store) Replace(tabID int, expectVisit string, st domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[tabID]
	switch {
	case !ok && expectVisit != "":
		return false
	case ok && cur.VisitID != expectVisit:
		return false
	}
	c := st
	s.sessions[tabID] = &c
	return true
}

// Remove deletes the tab's state.
func (s *Store) Remove(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tabID)
}

// Entries returns a snapshot of every tab, ordered by tab id.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.sessions))
	for id, st := range s.sessions {
		out = append(out, Entry{TabID: id, State: *st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Len returns the number of tracked tabs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ClaimEnd marks the tab's visit as ended and returns the state as it
// was before the mark. ok is false when the tab is unknown or the visit
// was already ended, in which case the caller must not emit an end event.
// Check and set happen under one lock, so concurrent callers for the same
// tab get exactly one winner.
func (s *Store) ClaimEnd(tabID int) (domain.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[tabID]
	if !ok || st.SessionEnded {
		return domain.SessionState{}, false
	}
	prev := *st
	st.SessionEnded = true
	return prev, true
}

// ClaimActivity clears the tab's running activity and returns the state
// as it was before, so exactly one caller closes a given activity id.
func (s *Store) ClaimActivity(tabID int) (domain.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[tabID]
	if !ok || st.ActivityID == "" {
		return domain.SessionState{}, false
	}
	prev := *st
	st.ActivityID = ""
	st.ActiveTimeStart = 0
	st.LastActiveCheckpoint = 0
	return prev, true
}

// Snapshot returns a copy of all states keyed by tab id.
func (s *Store) Snapshot() map[int]domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]domain.SessionState, len(s.sessions))
	for id, st := range s.sessions {
		out[id] = *st
	}
	return out
}
