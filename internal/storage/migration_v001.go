package storage

import "database/sql"

// migrateV001 creates the event log, the session snapshot table and the
// exclusion rules. Every statement uses IF NOT EXISTS for idempotency.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		// ── Tables ──────────────────────────────────────────────

		`CREATE TABLE IF NOT EXISTS events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT NOT NULL UNIQUE,
			kind            TEXT NOT NULL CHECK (kind IN (
				'open_time_start', 'open_time_end',
				'active_time_start', 'active_time_end', 'checkpoint')),
			ts              INTEGER NOT NULL,
			tab_id          INTEGER NOT NULL,
			url             TEXT NOT NULL DEFAULT '',
			visit_id        TEXT NOT NULL,
			activity_id     TEXT,
			processed       INTEGER NOT NULL DEFAULT 0 CHECK (processed IN (0, 1)),
			resolution      TEXT,
			checkpoint_kind TEXT,
			duration_ms     INTEGER,
			is_periodic     INTEGER,
			reason          TEXT,
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS session_snapshots (
			tab_id     INTEGER PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS exclusions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_type  TEXT NOT NULL CHECK (rule_type IN ('domain', 'regex')),
			rule_value TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(rule_type, rule_value)
		)`,

		// ── Indexes ────────────────────────────────────────────

		`CREATE INDEX IF NOT EXISTS idx_events_kind_ts      ON events(kind, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_visit        ON events(visit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_activity     ON events(activity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_processed_ts ON events(processed, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_exclusions_rule     ON exclusions(rule_type, rule_value)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return seedDefaultExclusions(tx)
}

// seedDefaultExclusions inserts browser-internal pages that are never
// worth tracking. Uses INSERT OR IGNORE so re-running is safe. Sensitive
// domains are opt-in through capture.use_default_denylist instead.
func seedDefaultExclusions(tx *sql.Tx) error {
	type rule struct {
		RuleType  string
		RuleValue string
		Reason    string
	}

	defaults := []rule{
		{"domain", "localhost", "Local development server"},
		{"domain", "chromewebstore.google.com", "Browser store - extension pages"},
		{"domain", "addons.mozilla.org", "Browser store - extension pages"},
		{"regex", `^127\.0\.0\.1$`, "Loopback address"},
		{"regex", `^(10\.\d+|192\.168)\.\d+\.\d+$`, "Private network address"},
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO exclusions (rule_type, rule_value, reason, is_default)
		VALUES (?, ?, ?, 1)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range defaults {
		if _, err := stmt.Exec(r.RuleType, r.RuleValue, r.Reason); err != nil {
			return err
		}
	}
	return nil
}
