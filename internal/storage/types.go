package storage

import (
	"time"

	"github.com/runnerr0/tabtime/internal/domain"
)

// Stats holds aggregate statistics about the event log.
type Stats struct {
	TotalEvents     int64
	Unprocessed     int64
	Recovered       int64
	ByKind          map[domain.Kind]int64
	OldestEvent     time.Time
	NewestEvent     time.Time
	TrackedSessions int64
}

// Exclusion is a row of the exclusions table.
type Exclusion struct {
	RuleType  string
	RuleValue string
	Reason    string
	IsDefault bool
}

// Alarm is a persisted periodic timer registration.
type Alarm struct {
	Name     string
	Period   time.Duration
	NextFire time.Time
}
