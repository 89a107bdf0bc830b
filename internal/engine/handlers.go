package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/protocol"
)

// WindowNone is the window id reported when no browser window has focus.
const WindowNone = -1

// TabNavigated handles a committed navigation. The current visit ends and
// a new one starts on the new URL; navigations that keep the canonical
// URL (such as fragment changes) keep the visit. The new visit is only
// installed over the visit this call ended, so overlapping navigations
// never drop a started visit.
func (e *Engine) TabNavigated(ctx context.Context, tabID int, rawURL string, windowID int) error {
	defer e.lockTab(tabID)()
	now := e.now()

	prev, tracked := e.sessions.Get(tabID)
	if tracked && !prev.SessionEnded {
		if canonical, ok, _ := e.filter.Check(rawURL); ok && canonical == prev.URL {
			return nil
		}
	}

	var errs []error
	if tracked {
		errs = append(errs, e.endSession(ctx, tabID, now, domain.ReasonNavigation))
	}

	res := e.gen.StartOpenTime(tabID, rawURL, now, windowID, domain.ResolutionNone)
	switch res.Status {
	case domain.StatusSkipped:
		e.sessions.Remove(tabID)
		return errors.Join(errs...)
	case domain.StatusError:
		return errors.Join(append(errs, res.AsError())...)
	}

	e.mu.Lock()
	focused := e.focusedWin == windowID && e.activeTabs[windowID] == tabID
	e.mu.Unlock()

	installed := e.sessions.Replace(tabID, prev.VisitID, domain.SessionState{
		URL:           res.Event.URL,
		VisitID:       res.Event.VisitID,
		OpenTimeStart: now,
		Audible:       prev.Audible,
		Focused:       focused,
		WindowID:      windowID,
	})
	if !installed {
		e.logger.Debug("navigation superseded", zap.Int("tab_id", tabID), zap.String("url", res.Event.URL))
		return errors.Join(errs...)
	}
	errs = append(errs, e.enqueue(ctx, res.Event))
	return errors.Join(errs...)
}

// TabRemoved ends the tab's active and open time and forgets the tab.
// Concurrent calls for the same tab emit one set of end events.
func (e *Engine) TabRemoved(ctx context.Context, tabID int) error {
	defer e.lockTab(tabID)()
	err := e.endSession(ctx, tabID, e.now(), domain.ReasonTabClosed)
	e.sessions.Remove(tabID)

	e.mu.Lock()
	for win, tab := range e.activeTabs {
		if tab == tabID {
			delete(e.activeTabs, win)
		}
	}
	e.mu.Unlock()
	return err
}

// TabActivated records tabID as the active tab of windowID. The tab that
// was active in that window loses focus and its active time ends.
func (e *Engine) TabActivated(ctx context.Context, tabID, windowID int) error {
	e.mu.Lock()
	prevTab, hadPrev := e.activeTabs[windowID]
	e.activeTabs[windowID] = tabID
	if e.focusedWin == WindowNone {
		e.focusedWin = windowID
	}
	focused := e.focusedWin == windowID
	e.mu.Unlock()

	var err error
	if hadPrev && prevTab != tabID {
		err = e.blur(ctx, prevTab)
	}
	win := windowID
	e.sessions.Update(tabID, domain.StatePatch{Focused: &focused, WindowID: &win})
	return err
}

// WindowFocusChanged moves focus to windowID, or away from the browser
// when windowID is WindowNone. Tabs outside the focused window lose
// focus and their active time ends.
func (e *Engine) WindowFocusChanged(ctx context.Context, windowID int) error {
	e.mu.Lock()
	e.focusedWin = windowID
	activeTab, hasActive := e.activeTabs[windowID]
	e.mu.Unlock()

	var errs []error
	for _, entry := range e.sessions.Entries() {
		if entry.State.Focused && entry.State.WindowID != windowID {
			errs = append(errs, e.blur(ctx, entry.TabID))
		}
	}
	if windowID != WindowNone && hasActive {
		focused := true
		e.sessions.Update(activeTab, domain.StatePatch{Focused: &focused})
	}
	return errors.Join(errs...)
}

// AudibleChanged records whether the tab is playing media, which extends
// its inactivity threshold.
func (e *Engine) AudibleChanged(tabID int, audible bool) {
	e.sessions.Update(tabID, domain.StatePatch{Audible: &audible})
}

// HandleMessage decodes a content-script message and applies it.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) error {
	msg, err := protocol.Parse(raw)
	if err != nil {
		return err
	}
	return e.Interaction(ctx, msg)
}

// Interaction records user activity on a tab and starts active time if
// none is running.
func (e *Engine) Interaction(ctx context.Context, msg protocol.Interaction) error {
	tabID, ts := msg.Tab(), msg.At()

	st, ok := e.sessions.Get(tabID)
	if !ok || st.SessionEnded || st.VisitID == "" {
		return nil
	}
	last := max(st.LastInteraction, ts)
	e.sessions.Update(tabID, domain.StatePatch{LastInteraction: &last})
	if st.HasActivity() {
		return nil
	}

	res := e.gen.StartActiveTime(tabID, st, ts, domain.ResolutionNone)
	if !res.OK() {
		return res.AsError()
	}

	activityID := res.Event.ActivityID
	start := ts
	var zero int64
	claimed := e.sessions.UpdateIf(tabID,
		func(cur domain.SessionState) bool {
			return cur.VisitID == st.VisitID && !cur.SessionEnded && !cur.HasActivity()
		},
		domain.StatePatch{ActivityID: &activityID, ActiveTimeStart: &start, LastActiveCheckpoint: &zero},
	)
	if !claimed {
		return nil
	}
	e.logger.Debug("active time started",
		zap.Int("tab_id", tabID), zap.String("type", msg.Type()))
	return e.enqueue(ctx, res.Event)
}

// SweepInactivity ends active time for tabs idle past their threshold
// and returns how many were ended. The end is stamped when the threshold
// expired, not when the sweep noticed.
func (e *Engine) SweepInactivity(ctx context.Context) int {
	now := e.now()
	th := e.gen.Thresholds()
	ended := 0
	for _, entry := range e.sessions.Entries() {
		st := entry.State
		if !st.HasActivity() || !e.gen.ShouldTimeoutActiveTime(st, now) {
			continue
		}
		limit := th.Inactivity
		if st.Audible {
			limit = th.AudibleInactivity
		}
		at := min(now, max(st.LastInteraction, st.ActiveTimeStart)+limit.Milliseconds())
		if err := e.endActivity(ctx, entry.TabID, at, domain.ReasonInactivity); err != nil {
			e.logger.Warn("end idle active time", zap.Int("tab_id", entry.TabID), zap.Error(err))
			continue
		}
		ended++
	}
	if ended > 0 {
		e.logger.Debug("inactivity sweep", zap.Int("ended", ended))
	}
	return ended
}

// blur clears the tab's focus and ends its active time.
func (e *Engine) blur(ctx context.Context, tabID int) error {
	unfocused := false
	e.sessions.Update(tabID, domain.StatePatch{Focused: &unfocused})
	return e.endActivity(ctx, tabID, e.now(), domain.ReasonFocusLost)
}

// endSession ends active time, then open time. Each end is claimed in the
// state store before anything is enqueued, so only one caller emits it.
func (e *Engine) endSession(ctx context.Context, tabID int, ts int64, reason string) error {
	activityErr := e.endActivity(ctx, tabID, ts, reason)

	prev, ok := e.sessions.ClaimEnd(tabID)
	if !ok || prev.VisitID == "" {
		return activityErr
	}
	res := e.gen.EndOpenTime(tabID, prev, ts, domain.ResolutionNone)
	if !res.OK() {
		return errors.Join(activityErr, res.AsError())
	}
	return errors.Join(activityErr, e.enqueue(ctx, res.Event))
}

// endActivity ends the tab's running activity, if any.
func (e *Engine) endActivity(ctx context.Context, tabID int, ts int64, reason string) error {
	prev, ok := e.sessions.ClaimActivity(tabID)
	if !ok {
		return nil
	}
	res := e.gen.EndActiveTime(tabID, prev, ts, reason, domain.ResolutionNone)
	if !res.OK() {
		return res.AsError()
	}
	return e.enqueue(ctx, res.Event)
}

func (e *Engine) enqueue(ctx context.Context, ev domain.Event) error {
	if err := e.queue.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("enqueue %s for tab %d: %w", ev.Kind, ev.TabID, err)
	}
	return nil
}

// noteWindow remembers focused sessions as the active tab of their window.
func (e *Engine) noteWindow(tabID int, st domain.SessionState) {
	if !st.Focused {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeTabs[st.WindowID] = tabID
	e.focusedWin = st.WindowID
}
