package storage

import (
	"context"
	"fmt"
	"time"
)

// SaveAlarm upserts an alarm registration.
func (s *SQLiteStore) SaveAlarm(ctx context.Context, a Alarm) error {
	if a.Name == "" {
		return fmt.Errorf("alarm has no name")
	}
	if a.Period <= 0 {
		return fmt.Errorf("alarm %s: period must be positive", a.Name)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (name, period_ms, next_fire, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			period_ms = excluded.period_ms,
			next_fire = excluded.next_fire,
			updated_at = CURRENT_TIMESTAMP
	`, a.Name, a.Period.Milliseconds(), a.NextFire.UnixMilli())
	if err != nil {
		return fmt.Errorf("save alarm %s: %w", a.Name, err)
	}
	return nil
}

// LoadAlarms returns every registered alarm ordered by name.
func (s *SQLiteStore) LoadAlarms(ctx context.Context) ([]Alarm, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, period_ms, next_fire FROM alarms ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query alarms: %w", err)
	}
	defer rows.Close()

	var alarms []Alarm
	for rows.Next() {
		var (
			a        Alarm
			periodMs int64
			nextFire int64
		)
		if err := rows.Scan(&a.Name, &periodMs, &nextFire); err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		a.Period = time.Duration(periodMs) * time.Millisecond
		a.NextFire = time.UnixMilli(nextFire)
		alarms = append(alarms, a)
	}
	return alarms, rows.Err()
}

// DeleteAlarm removes an alarm registration. Deleting an unknown name is
// not an error.
func (s *SQLiteStore) DeleteAlarm(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM alarms WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete alarm %s: %w", name, err)
	}
	return nil
}
