package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/runnerr0/tabtime/internal/domain"
)

// Store defines the durable event log operations.
type Store interface {
	AppendEvent(ctx context.Context, event domain.Event) error
	AppendBatch(ctx context.Context, events []domain.Event) error
	EventsByKind(ctx context.Context, kind domain.Kind, from, to int64) ([]domain.Event, error)
	EventsByVisit(ctx context.Context, visitID string) ([]domain.Event, error)
	EventsByActivity(ctx context.Context, activityID string) ([]domain.Event, error)
	UnprocessedSince(ctx context.Context, cutoff int64) ([]domain.Event, error)
	MarkProcessed(ctx context.Context, eventIDs []string) (int64, error)
	PruneBefore(ctx context.Context, ts int64) (int64, error)
	PurgeAll(ctx context.Context) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

const eventColumns = `event_id, kind, ts, tab_id, url, visit_id, activity_id, processed,
	resolution, checkpoint_kind, duration_ms, is_periodic, reason`

// SQLiteStore implements Store, the snapshot store, the recovery scratch
// store and the alarm registry on one SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements
	insertEvent      *sql.Stmt
	eventsByVisit    *sql.Stmt
	eventsByActivity *sql.Stmt
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}

	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

// Open opens (creating if needed) the database at path, runs migrations
// and returns a ready store. The store owns the *sql.DB.
func Open(path, journalMode string) (*SQLiteStore, *sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := NewMigrationRunner(db).WithJournalMode(journalMode).Run(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create store: %w", err)
	}
	return store, db, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertEvent, err = s.db.Prepare(`
		INSERT OR IGNORE INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.eventsByVisit, err = s.db.Prepare(`
		SELECT ` + eventColumns + ` FROM events WHERE visit_id = ? ORDER BY ts, id
	`)
	if err != nil {
		return err
	}

	s.eventsByActivity, err = s.db.Prepare(`
		SELECT ` + eventColumns + ` FROM events WHERE activity_id = ? ORDER BY ts, id
	`)
	if err != nil {
		return err
	}

	return nil
}

// AppendEvent writes a single event. Writing an event id that already
// exists is a no-op, so a retried write never duplicates a row.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event domain.Event) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.StmtContext(ctx, s.insertEvent).ExecContext(ctx, eventArgs(event)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AppendBatch writes all events in one transaction: either every event
// lands or none does.
func (s *SQLiteStore) AppendBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if err := validateEvent(ev); err != nil {
			return err
		}
	}
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt := tx.StmtContext(ctx, s.insertEvent)
		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx, eventArgs(ev)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert batch of %d: %w", len(events), err)
	}
	return nil
}

// EventsByKind returns events of kind with from <= ts < to. A zero to
// means no upper bound.
func (s *SQLiteStore) EventsByKind(ctx context.Context, kind domain.Kind, from, to int64) ([]domain.Event, error) {
	clauses := []string{"kind = ?", "ts >= ?"}
	args := []interface{}{string(kind), from}
	if to > 0 {
		clauses = append(clauses, "ts < ?")
		args = append(args, to)
	}
	query := "SELECT " + eventColumns + " FROM events WHERE " + strings.Join(clauses, " AND ") + " ORDER BY ts, id"
	return s.scanEvents(ctx, query, args...)
}

// EventsByVisit returns every event of a visit in log order.
func (s *SQLiteStore) EventsByVisit(ctx context.Context, visitID string) ([]domain.Event, error) {
	rows, err := s.eventsByVisit.QueryContext(ctx, visitID)
	if err != nil {
		return nil, fmt.Errorf("query events by visit: %w", err)
	}
	return collectEvents(rows)
}

// EventsByActivity returns every event of an activity in log order.
func (s *SQLiteStore) EventsByActivity(ctx context.Context, activityID string) ([]domain.Event, error) {
	rows, err := s.eventsByActivity.QueryContext(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("query events by activity: %w", err)
	}
	return collectEvents(rows)
}

// UnprocessedSince returns unprocessed events with ts >= cutoff in log order.
func (s *SQLiteStore) UnprocessedSince(ctx context.Context, cutoff int64) ([]domain.Event, error) {
	return s.scanEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE processed = 0 AND ts >= ? ORDER BY ts, id",
		cutoff,
	)
}

// MarkProcessed flags events as consumed by the aggregator.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET processed = 1 WHERE event_id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	return res.RowsAffected()
}

// PruneBefore deletes processed events older than ts. Unprocessed events
// are kept so the aggregator never loses input.
func (s *SQLiteStore) PruneBefore(ctx context.Context, ts int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ? AND processed = 1", ts)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// CountPrunable reports how many events PruneBefore(ts) would delete.
func (s *SQLiteStore) CountPrunable(ctx context.Context, ts int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE ts < ? AND processed = 1", ts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prunable events: %w", err)
	}
	return n, nil
}

// PurgeAll deletes every event, snapshot, scratch entry and alarm.
func (s *SQLiteStore) PurgeAll(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM events",
		"DELETE FROM session_snapshots",
		"DELETE FROM recovery_scratch",
		"DELETE FROM alarms",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("purge (%s): %w", stmt, err)
		}
	}
	return nil
}

// GetStats returns aggregate statistics about the event log.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByKind: make(map[domain.Kind]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN processed = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN resolution = ? THEN 1 ELSE 0 END), 0)
		FROM events`, string(domain.ResolutionCrashRecovery),
	).Scan(&stats.TotalEvents, &stats.Unprocessed, &stats.Recovered)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	if stats.TotalEvents > 0 {
		var oldest, newest int64
		err = s.db.QueryRowContext(ctx, "SELECT MIN(ts), MAX(ts) FROM events").Scan(&oldest, &newest)
		if err != nil {
			return nil, fmt.Errorf("event time range: %w", err)
		}
		stats.OldestEvent = time.UnixMilli(oldest)
		stats.NewestEvent = time.UnixMilli(newest)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_snapshots").Scan(&stats.TrackedSessions)
	if err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		stats.ByKind[domain.Kind(kind)] = n
	}

	return stats, rows.Err()
}

// Close releases all prepared statements. The underlying *sql.DB is NOT
// closed; that is the caller's responsibility.
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{s.insertEvent, s.eventsByVisit, s.eventsByActivity}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

func validateEvent(ev domain.Event) error {
	switch {
	case ev.ID == "":
		return fmt.Errorf("event has no id")
	case !ev.Kind.Valid():
		return fmt.Errorf("event %s has unknown kind %q", ev.ID, ev.Kind)
	case ev.VisitID == "":
		return fmt.Errorf("event %s has no visit id", ev.ID)
	}
	return nil
}

func eventArgs(ev domain.Event) []interface{} {
	return []interface{}{
		ev.ID,
		string(ev.Kind),
		ev.Timestamp,
		ev.TabID,
		ev.URL,
		ev.VisitID,
		nullString(ev.ActivityID),
		boolInt(ev.Processed),
		nullString(string(ev.Resolution)),
		nullString(string(ev.CheckpointKind)),
		nullCheckpointInt(ev, ev.DurationMs),
		nullCheckpointInt(ev, int64(boolInt(ev.IsPeriodic))),
		nullString(ev.Reason),
	}
}

// scanEvents executes a query and scans results into events.
func (s *SQLiteStore) scanEvents(ctx context.Context, query string, args ...interface{}) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			e                                      domain.Event
			kind                                   string
			processed                              int
			activityID, resolution, cpKind, reason sql.NullString
			durationMs, isPeriodic                 sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &kind, &e.Timestamp, &e.TabID, &e.URL, &e.VisitID, &activityID, &processed,
			&resolution, &cpKind, &durationMs, &isPeriodic, &reason,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = domain.Kind(kind)
		e.Processed = processed == 1
		e.ActivityID = activityID.String
		e.Resolution = domain.Resolution(resolution.String)
		e.CheckpointKind = domain.CheckpointKind(cpKind.String)
		e.DurationMs = durationMs.Int64
		e.IsPeriodic = isPeriodic.Int64 == 1
		e.Reason = reason.String
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullCheckpointInt(ev domain.Event, v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: ev.Kind == domain.KindCheckpoint}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
