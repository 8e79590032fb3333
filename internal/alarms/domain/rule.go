package alarms

import (
	"errors"
	"fmt"
	"time"
)

// Severity classifies operator urgency of a rule's alarms.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid returns true when severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Timing controls debounce, clear hysteresis and evaluation cadence.
type Timing struct {
	DebounceSeconds        int `json:"debounce_seconds"`
	ClearHysteresisSeconds int `json:"clear_hysteresis_seconds"`
	EvalIntervalSeconds    int `json:"eval_interval_seconds"`
}

// Validate checks timing invariants.
func (t Timing) Validate() error {
	if t.DebounceSeconds < 0 {
		return newValidationError("timing: debounce_seconds must be >= 0")
	}
	if t.ClearHysteresisSeconds < 0 {
		return newValidationError("timing: clear_hysteresis_seconds must be >= 0")
	}
	if t.EvalIntervalSeconds < 0 {
		return newValidationError("timing: eval_interval_seconds must be >= 0")
	}
	return nil
}

// Debounce returns the debounce duration.
func (t Timing) Debounce() time.Duration {
	return time.Duration(t.DebounceSeconds) * time.Second
}

// ClearHysteresis returns the clear hysteresis duration.
func (t Timing) ClearHysteresis() time.Duration {
	return time.Duration(t.ClearHysteresisSeconds) * time.Second
}

// EvalInterval returns the evaluation interval; zero means scheduler default.
func (t Timing) EvalInterval() time.Duration {
	return time.Duration(t.EvalIntervalSeconds) * time.Second
}

// AlarmRule continuously evaluates a condition against resolved targets.
type AlarmRule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Enabled         bool           `json:"enabled"`
	Severity        Severity       `json:"severity"`
	Origin          string         `json:"origin,omitempty"`
	Selector        TargetSelector `json:"target_selector"`
	Condition       *ConditionNode `json:"condition"`
	Timing          Timing         `json:"timing"`
	MessageTemplate string         `json:"message_template,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       time.Time      `json:"deleted_at,omitempty"`

	// Runtime-derived, maintained by the scheduler.
	ActiveCount int       `json:"active_count"`
	LastEvalAt  time.Time `json:"last_eval_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Validate checks rule invariants enforced at create/update.
func (r AlarmRule) Validate() error {
	if r.ID == "" {
		return newValidationError("alarm rule: empty id")
	}
	if r.Name == "" {
		return newValidationError("alarm rule: empty name")
	}
	if !r.Severity.Valid() {
		return newValidationError(fmt.Sprintf("alarm rule: invalid severity %q", r.Severity))
	}
	if err := r.Selector.Validate(); err != nil {
		return err
	}
	if r.Condition == nil {
		return newValidationError("alarm rule: missing condition")
	}
	if err := r.Condition.Validate(); err != nil {
		return err
	}
	return r.Timing.Validate()
}

// Deleted reports whether the rule has been soft-deleted.
func (r AlarmRule) Deleted() bool { return !r.DeletedAt.IsZero() }

// Schedulable reports whether the scheduler should tick this rule.
func (r AlarmRule) Schedulable() bool { return r.Enabled && !r.Deleted() }

// ValidationError marks an error raised by the rule validation contract.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// NewValidationError builds a validation error with the given message.
func NewValidationError(msg string) error { return &ValidationError{msg: msg} }

func newValidationError(msg string) error { return NewValidationError(msg) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
