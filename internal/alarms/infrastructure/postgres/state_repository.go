package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleetwatch/internal/alarms/application"
)

const defaultEvalStatesTable = "alarm_eval_states"

// EvalStateRepository persists per-target evaluation state so debounce and
// hysteresis timers survive a restart.
type EvalStateRepository struct {
	db    *sql.DB
	table string
}

// StateOption configures the repository.
type StateOption func(*EvalStateRepository)

// WithEvalStatesTable overrides the default state table name.
func WithEvalStatesTable(table string) StateOption {
	return func(repo *EvalStateRepository) {
		if repo != nil && table != "" {
			repo.table = table
		}
	}
}

// NewEvalStateRepository constructs a repository.
func NewEvalStateRepository(db *sql.DB, opts ...StateOption) *EvalStateRepository {
	repo := &EvalStateRepository{db: db, table: defaultEvalStatesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Upsert writes the cell snapshot for one (rule, target) pair.
func (r *EvalStateRepository) Upsert(ctx context.Context, record application.StateRecord) error {
	if r == nil || r.db == nil {
		return errors.New("eval state repo: nil db")
	}
	if record.RuleID == "" || record.TargetKey == "" || record.State == nil {
		return errors.New("eval state repo: missing fields")
	}
	counters, err := json.Marshal(record.State.Counters.Entries())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	rule_id, target_key, status, condition_true_since, condition_false_since,
	counters, last_observed, fired_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9
)
ON CONFLICT (rule_id, target_key)
DO UPDATE SET
	status = EXCLUDED.status,
	condition_true_since = EXCLUDED.condition_true_since,
	condition_false_since = EXCLUDED.condition_false_since,
	counters = EXCLUDED.counters,
	last_observed = EXCLUDED.last_observed,
	fired_at = EXCLUDED.fired_at,
	updated_at = EXCLUDED.updated_at`, r.table),
		record.RuleID,
		record.TargetKey,
		string(record.State.Status),
		nullableTime(record.State.ConditionTrueSince),
		nullableTime(record.State.ConditionFalseSince),
		counters,
		nullableFloat(record.State.LastObserved),
		nullableTime(record.State.FiredAt),
		time.Now().UTC(),
	)
	return err
}

// DeleteRule drops all persisted state of one rule.
func (r *EvalStateRepository) DeleteRule(ctx context.Context, ruleID string) error {
	if r == nil || r.db == nil {
		return errors.New("eval state repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM %s
WHERE rule_id = $1`, r.table), ruleID)
	return err
}

// LoadAll returns every persisted cell. Records of rules that no longer
// exist are returned as-is; the caller decides what to discard.
func (r *EvalStateRepository) LoadAll(ctx context.Context) ([]application.StateRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("eval state repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT rule_id, target_key, status, condition_true_since, condition_false_since,
	counters, last_observed, fired_at
FROM %s`, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []application.StateRecord
	for rows.Next() {
		var record application.StateRecord
		var status string
		var trueSince, falseSince, firedAt sql.NullTime
		var counters []byte
		var lastObserved sql.NullFloat64
		if err := rows.Scan(
			&record.RuleID,
			&record.TargetKey,
			&status,
			&trueSince,
			&falseSince,
			&counters,
			&lastObserved,
			&firedAt,
		); err != nil {
			return nil, err
		}

		cell := application.NewEvaluationState()
		cell.Status = application.Status(status)
		if trueSince.Valid {
			cell.ConditionTrueSince = trueSince.Time.UTC()
		}
		if falseSince.Valid {
			cell.ConditionFalseSince = falseSince.Time.UTC()
		}
		if firedAt.Valid {
			cell.FiredAt = firedAt.Time.UTC()
		}
		if lastObserved.Valid {
			value := lastObserved.Float64
			cell.LastObserved = &value
		}
		if len(counters) > 0 {
			entries := make(map[string]application.CounterState)
			if err := json.Unmarshal(counters, &entries); err != nil {
				return nil, err
			}
			cell.Counters.Restore(entries)
		}
		record.State = cell
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}

func nullableFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
