package storage

import (
	"context"
	"fmt"
)

// LoadExclusions returns all exclusion rules, defaults first.
func (s *SQLiteStore) LoadExclusions(ctx context.Context) ([]Exclusion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_type, rule_value, reason, is_default
		FROM exclusions
		ORDER BY is_default DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query exclusions: %w", err)
	}
	defer rows.Close()

	var out []Exclusion
	for rows.Next() {
		var e Exclusion
		if err := rows.Scan(&e.RuleType, &e.RuleValue, &e.Reason, &e.IsDefault); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddExclusion inserts a user rule. Adding an existing rule is a no-op.
func (s *SQLiteStore) AddExclusion(ctx context.Context, ruleType, value, reason string) error {
	if ruleType != "domain" && ruleType != "regex" {
		return fmt.Errorf("unknown exclusion type %q", ruleType)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO exclusions (rule_type, rule_value, reason, is_default)
		VALUES (?, ?, ?, 0)
	`, ruleType, value, reason)
	if err != nil {
		return fmt.Errorf("add exclusion: %w", err)
	}
	return nil
}
