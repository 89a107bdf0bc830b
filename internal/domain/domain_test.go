package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	for _, k := range []Kind{KindOpenTimeStart, KindOpenTimeEnd, KindActiveTimeStart, KindActiveTimeEnd, KindCheckpoint} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("page_view").Valid())
	assert.False(t, Kind("").Valid())

	assert.True(t, KindOpenTimeEnd.IsEnd())
	assert.True(t, KindActiveTimeEnd.IsEnd())
	assert.False(t, KindCheckpoint.IsEnd())
	assert.False(t, KindOpenTimeStart.IsEnd())
}

func TestEventSessionKey(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"open start", Event{Kind: KindOpenTimeStart, VisitID: "V", ActivityID: "A"}, "V"},
		{"open end", Event{Kind: KindOpenTimeEnd, VisitID: "V"}, "V"},
		{"active start", Event{Kind: KindActiveTimeStart, VisitID: "V", ActivityID: "A"}, "A"},
		{"active end", Event{Kind: KindActiveTimeEnd, VisitID: "V", ActivityID: "A"}, "A"},
		{"active checkpoint", Event{Kind: KindCheckpoint, CheckpointKind: CheckpointActiveTime, VisitID: "V", ActivityID: "A"}, "A"},
		{"active checkpoint without activity", Event{Kind: KindCheckpoint, CheckpointKind: CheckpointActiveTime, VisitID: "V"}, "V"},
		{"open checkpoint", Event{Kind: KindCheckpoint, CheckpointKind: CheckpointOpenTime, VisitID: "V", ActivityID: "A"}, "V"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.SessionKey())
		})
	}
}

func TestMillisRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	ev := Event{Timestamp: Millis(at)}
	assert.True(t, at.Equal(ev.Time()))
}

func TestResult(t *testing.T) {
	ok := Ok(Event{ID: "e1"})
	assert.True(t, ok.OK())
	assert.Equal(t, "ok", ok.Status.String())
	assert.NoError(t, ok.AsError())

	skipped := Skipped("filtered: denylist")
	assert.False(t, skipped.OK())
	assert.Equal(t, StatusSkipped, skipped.Status)
	assert.Equal(t, "filtered: denylist", skipped.Reason)
	assert.NoError(t, skipped.AsError())

	failed := Failed(ErrorPrecondition, "tab %d has no open visit", 4)
	assert.Equal(t, "error", failed.Status.String())
	err := failed.AsError()
	require.Error(t, err)
	assert.EqualError(t, err, "precondition: tab 4 has no open visit")
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.NotErrorIs(t, err, ErrInvalidInput)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, ErrorPrecondition, typed.Kind)

	assert.ErrorIs(t, Failed(ErrorInvalidInput, "bad").AsError(), ErrInvalidInput)
	assert.Equal(t, "unknown", Status(9).String())
}

func TestStatePatchApply(t *testing.T) {
	s := SessionState{URL: "https://a.example/", VisitID: "V1", Focused: true, WindowID: 2}

	StatePatch{
		ActivityID:      lo.ToPtr("A1"),
		ActiveTimeStart: lo.ToPtr(int64(5000)),
		Focused:         lo.ToPtr(false),
	}.Apply(&s)

	assert.Equal(t, SessionState{
		URL:             "https://a.example/",
		VisitID:         "V1",
		ActivityID:      "A1",
		ActiveTimeStart: 5000,
		WindowID:        2,
	}, s)
	assert.True(t, s.HasActivity())

	StatePatch{}.Apply(&s)
	assert.Equal(t, "A1", s.ActivityID)

	StatePatch{ActivityID: lo.ToPtr(""), SessionEnded: lo.ToPtr(true)}.Apply(&s)
	assert.False(t, s.HasActivity())
	assert.True(t, s.SessionEnded)
}
