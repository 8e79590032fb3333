package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

const defaultAlarmsTable = "alarms"

// AlarmHistoryRepository is the Postgres record of fired and cleared alarm
// instances. Writes are idempotent on the instance id so a retried batch
// never duplicates history.
type AlarmHistoryRepository struct {
	db    *sql.DB
	table string
}

// HistoryOption configures the repository.
type HistoryOption func(*AlarmHistoryRepository)

// WithAlarmsTable overrides the default alarms table name.
func WithAlarmsTable(table string) HistoryOption {
	return func(repo *AlarmHistoryRepository) {
		if repo != nil && table != "" {
			repo.table = table
		}
	}
}

// NewAlarmHistoryRepository constructs a repository.
func NewAlarmHistoryRepository(db *sql.DB, opts ...HistoryOption) *AlarmHistoryRepository {
	repo := &AlarmHistoryRepository{db: db, table: defaultAlarmsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RecordFired inserts a fired alarm instance. Recording the same fire twice
// is a no-op.
func (r *AlarmHistoryRepository) RecordFired(ctx context.Context, instance alarms.AlarmInstance) error {
	if r == nil || r.db == nil {
		return errors.New("alarm history: nil db")
	}
	if instance.ID == "" || instance.RuleID == "" || instance.TargetKey == "" {
		return errors.New("alarm history: missing fields")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	id, rule_id, target_key, severity, fired_at, observed_value, message
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (id) DO NOTHING`, r.table),
		instance.ID,
		instance.RuleID,
		instance.TargetKey,
		string(instance.Severity),
		instance.FiredAt,
		instance.ObservedValue,
		instance.Message,
	)
	return err
}

// RecordCleared marks a fired instance cleared. Clearing an already cleared
// instance keeps the first cleared_at.
func (r *AlarmHistoryRepository) RecordCleared(ctx context.Context, instance alarms.AlarmInstance) error {
	if r == nil || r.db == nil {
		return errors.New("alarm history: nil db")
	}
	if instance.ID == "" {
		return errors.New("alarm history: missing id")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s
SET cleared_at = $1, observed_value = $2
WHERE id = $3 AND cleared_at IS NULL`, r.table),
		instance.ClearedAt,
		instance.ObservedValue,
		instance.ID,
	)
	return err
}

// ListByRule returns a rule's alarm instances within [from, to), newest
// first. onlyOpen restricts to instances not yet cleared.
func (r *AlarmHistoryRepository) ListByRule(ctx context.Context, ruleID string, from, to time.Time, onlyOpen bool) ([]alarms.AlarmInstance, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm history: nil db")
	}
	if ruleID == "" {
		return nil, errors.New("alarm history: rule id required")
	}
	query := fmt.Sprintf(`
SELECT id, rule_id, target_key, severity, fired_at, cleared_at, observed_value, message
FROM %s
WHERE rule_id = $1 AND fired_at >= $2 AND fired_at < $3`, r.table)
	if onlyOpen {
		query += " AND cleared_at IS NULL"
	}
	query += " ORDER BY fired_at DESC"

	rows, err := r.db.QueryContext(ctx, query, ruleID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlarmInstance
	for rows.Next() {
		var instance alarms.AlarmInstance
		var severity string
		var clearedAt sql.NullTime
		var message sql.NullString
		if err := rows.Scan(
			&instance.ID,
			&instance.RuleID,
			&instance.TargetKey,
			&severity,
			&instance.FiredAt,
			&clearedAt,
			&instance.ObservedValue,
			&message,
		); err != nil {
			return nil, err
		}
		instance.Severity = alarms.Severity(severity)
		instance.FiredAt = instance.FiredAt.UTC()
		if clearedAt.Valid {
			instance.ClearedAt = clearedAt.Time.UTC()
		}
		if message.Valid {
			instance.Message = message.String
		}
		result = append(result, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
