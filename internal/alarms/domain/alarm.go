package alarms

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Target is the resolved unit a rule's condition is evaluated against: a
// single sensor, or an aggregate over the resolved member set.
type Target struct {
	Key       string   `json:"key"`
	SensorIDs []string `json:"sensor_ids"`
}

// EvalResult is the outcome of one condition evaluation against a target.
// Observed is nil when no telemetry backed the decision.
type EvalResult struct {
	Passed   bool     `json:"passed"`
	Observed *float64 `json:"observed_value,omitempty"`
}

// AlarmInstance is the event record emitted on fire, updated on clear.
type AlarmInstance struct {
	ID            string    `json:"id"`
	RuleID        string    `json:"rule_id"`
	TargetKey     string    `json:"target_key"`
	Severity      Severity  `json:"severity"`
	FiredAt       time.Time `json:"fired_at"`
	ClearedAt     time.Time `json:"cleared_at,omitempty"`
	ObservedValue float64   `json:"observed_value_at_fire"`
	Message       string    `json:"message,omitempty"`
}

// Cleared reports whether the instance has been cleared.
func (a AlarmInstance) Cleared() bool { return !a.ClearedAt.IsZero() }

// BuildAlarmID derives a deterministic instance id so retried history writes
// stay idempotent.
func BuildAlarmID(ruleID, targetKey string, firedAt time.Time) string {
	sum := sha1.Sum([]byte(ruleID + "|" + targetKey + "|" + firedAt.UTC().Format(time.RFC3339Nano)))
	return "alarm-" + hex.EncodeToString(sum[:8])
}

// Float64 returns a pointer to v, for optional observed values.
func Float64(v float64) *float64 { return &v }
