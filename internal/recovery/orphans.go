package recovery

import (
	"sort"

	"github.com/samber/lo"

	"github.com/runnerr0/tabtime/internal/domain"
)

// orphan is a session that needs a synthesized end event.
type orphan struct {
	endKind  domain.Kind
	key      string
	source   domain.Event
	lastSeen int64
}

// span tracks the latest start and end seen for one session key.
type span struct {
	start  *domain.Event
	end    *domain.Event
	latest int64
}

func (s *span) add(ev domain.Event) {
	e := ev
	if ev.Kind.IsEnd() {
		if s.end == nil || ev.Timestamp >= s.end.Timestamp {
			s.end = &e
		}
	} else if s.start == nil || ev.Timestamp >= s.start.Timestamp {
		s.start = &e
	}
	s.latest = max(s.latest, ev.Timestamp)
}

// findOrphans groups events by session and returns every session with a
// start or checkpoint but nothing closing or continuing it. An end is
// stamped with the last time the session was seen in the log. Keys in
// continuing are skipped. Active-time ends sort before open-time ends.
func findOrphans(events []domain.Event, continuing map[string]bool) []orphan {
	visits := map[string]*span{}
	activities := map[string]*span{}
	checkpoints := map[string]domain.Event{}
	lastSeen := map[string]int64{}

	touch := func(id string, ts int64) {
		if id != "" {
			lastSeen[id] = max(lastSeen[id], ts)
		}
	}
	spanFor := func(m map[string]*span, key string) *span {
		s, ok := m[key]
		if !ok {
			s = &span{}
			m[key] = s
		}
		return s
	}

	for _, ev := range events {
		touch(ev.VisitID, ev.Timestamp)
		touch(ev.ActivityID, ev.Timestamp)

		switch ev.Kind {
		case domain.KindOpenTimeStart, domain.KindOpenTimeEnd:
			spanFor(visits, ev.VisitID).add(ev)
		case domain.KindActiveTimeStart, domain.KindActiveTimeEnd:
			spanFor(activities, ev.ActivityID).add(ev)
		case domain.KindCheckpoint:
			key := checkpointKey(ev)
			if prev, ok := checkpoints[key]; !ok || ev.Timestamp >= prev.Timestamp {
				checkpoints[key] = ev
			}
		}
	}

	seen := map[string]bool{}
	var out []orphan
	emit := func(endKind domain.Kind, key string, source domain.Event) {
		id := string(endKind) + "|" + key
		if key == "" || continuing[key] || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, orphan{endKind: endKind, key: key, source: source, lastSeen: lastSeen[key]})
	}

	for key, s := range activities {
		if s.start != nil && s.end == nil {
			emit(domain.KindActiveTimeEnd, key, *s.start)
		}
	}
	for key, s := range visits {
		if s.start != nil && s.end == nil {
			emit(domain.KindOpenTimeEnd, key, *s.start)
		}
	}

	for key, cp := range checkpoints {
		endKind, spans := domain.KindOpenTimeEnd, visits
		if cp.CheckpointKind == domain.CheckpointActiveTime && cp.ActivityID != "" {
			endKind, spans = domain.KindActiveTimeEnd, activities
		}
		if s, ok := spans[key]; ok && (s.end != nil || s.latest > cp.Timestamp) {
			continue
		}
		emit(endKind, key, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].endKind == domain.KindActiveTimeEnd, out[j].endKind == domain.KindActiveTimeEnd
		if ai != aj {
			return ai
		}
		if out[i].lastSeen != out[j].lastSeen {
			return out[i].lastSeen < out[j].lastSeen
		}
		return out[i].key < out[j].key
	})
	return out
}

func checkpointKey(ev domain.Event) string {
	return lo.Ternary(ev.ActivityID != "", ev.ActivityID, ev.VisitID)
}
