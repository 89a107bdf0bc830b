package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/runnerr0/tabtime/internal/domain"
)

// LoadSnapshots returns the persisted session map keyed by tab id.
func (s *SQLiteStore) LoadSnapshots(ctx context.Context) (map[int]domain.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tab_id, state FROM session_snapshots")
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[int]domain.SessionState)
	for rows.Next() {
		var (
			tabID int
			raw   string
		)
		if err := rows.Scan(&tabID, &raw); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var st domain.SessionState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decode snapshot for tab %d: %w", tabID, err)
		}
		out[tabID] = st
	}
	return out, rows.Err()
}

// SaveSnapshots replaces the persisted session map with sessions.
func (s *SQLiteStore) SaveSnapshots(ctx context.Context, sessions map[int]domain.SessionState) error {
	encoded := make(map[int]string, len(sessions))
	for tabID, st := range sessions {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode snapshot for tab %d: %w", tabID, err)
		}
		encoded[tabID] = string(data)
	}

	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM session_snapshots"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO session_snapshots (tab_id, state, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for tabID, data := range encoded {
			if _, err := stmt.ExecContext(ctx, tabID, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshots: %w", err)
	}
	return nil
}

// PutScratch stores a transient recovery value under key.
func (s *SQLiteStore) PutScratch(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_scratch (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("put scratch %s: %w", key, err)
	}
	return nil
}

// GetScratch returns the value stored under key and whether it exists.
func (s *SQLiteStore) GetScratch(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM recovery_scratch WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get scratch %s: %w", key, err)
	}
	return value, true, nil
}

// ClearScratch removes all recovery scratch entries.
func (s *SQLiteStore) ClearScratch(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM recovery_scratch"); err != nil {
		return fmt.Errorf("clear scratch: %w", err)
	}
	return nil
}
