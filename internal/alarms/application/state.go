package application

import (
	"context"
	"sync"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

// Status is the timing state machine position for one (rule, target) cell.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusClearing Status = "clearing"
)

// Transition is the externally visible outcome of one state machine step.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionFired
	TransitionCleared
)

// CounterState tracks one consecutive-periods node for one sensor.
type CounterState struct {
	Count        int       `json:"count"`
	LastBucket   time.Time `json:"last_bucket,omitempty"`
	LastObserved *float64  `json:"last_observed,omitempty"`
}

// ConsecutiveCounters holds the persistent counters of consecutive_periods
// nodes, keyed by condition-tree path and sensor id.
type ConsecutiveCounters struct {
	entries map[string]CounterState
}

// NewConsecutiveCounters constructs an empty counter set.
func NewConsecutiveCounters() *ConsecutiveCounters {
	return &ConsecutiveCounters{entries: make(map[string]CounterState)}
}

func (c *ConsecutiveCounters) get(key string) CounterState {
	if c == nil || c.entries == nil {
		return CounterState{}
	}
	return c.entries[key]
}

func (c *ConsecutiveCounters) put(key string, state CounterState) {
	if c == nil {
		return
	}
	if c.entries == nil {
		c.entries = make(map[string]CounterState)
	}
	c.entries[key] = state
}

// Clone copies the counter set. Evaluation runs against a clone so a
// mid-pass error can discard the staged increments.
func (c *ConsecutiveCounters) Clone() *ConsecutiveCounters {
	clone := NewConsecutiveCounters()
	if c == nil {
		return clone
	}
	for k, v := range c.entries {
		clone.entries[k] = v
	}
	return clone
}

// Entries exposes a copy of the counters for persistence.
func (c *ConsecutiveCounters) Entries() map[string]CounterState {
	if c == nil {
		return nil
	}
	out := make(map[string]CounterState, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the counters, used when reloading persisted state.
func (c *ConsecutiveCounters) Restore(entries map[string]CounterState) {
	if c == nil {
		return
	}
	c.entries = make(map[string]CounterState, len(entries))
	for k, v := range entries {
		c.entries[k] = v
	}
}

// EvaluationState is the mutable timing state of one (rule, target) pair.
// Cells are created lazily on first evaluation and dropped when the rule or
// target goes away.
type EvaluationState struct {
	Status              Status
	ConditionTrueSince  time.Time
	ConditionFalseSince time.Time
	Counters            *ConsecutiveCounters
	LastObserved        *float64
	FiredAt             time.Time
}

// NewEvaluationState constructs an idle cell.
func NewEvaluationState() *EvaluationState {
	return &EvaluationState{Status: StatusIdle, Counters: NewConsecutiveCounters()}
}

// Apply advances the debounce/hysteresis state machine with the latest
// evaluation outcome at time t and reports any fire/clear transition.
// Debounce and hysteresis are wall-clock durations, so irregular tick
// spacing only delays transitions, never corrupts them.
func (s *EvaluationState) Apply(passed bool, t time.Time, timing alarms.Timing) Transition {
	if s == nil {
		return TransitionNone
	}
	switch s.Status {
	case StatusIdle:
		if !passed {
			return TransitionNone
		}
		if timing.DebounceSeconds == 0 {
			s.fire(t)
			return TransitionFired
		}
		s.Status = StatusPending
		s.ConditionTrueSince = t
		return TransitionNone

	case StatusPending:
		if !passed {
			// Any single false evaluation cancels the debounce.
			s.Status = StatusIdle
			s.ConditionTrueSince = time.Time{}
			return TransitionNone
		}
		if t.Sub(s.ConditionTrueSince) >= timing.Debounce() {
			s.fire(t)
			return TransitionFired
		}
		return TransitionNone

	case StatusActive:
		if passed {
			return TransitionNone
		}
		if timing.ClearHysteresisSeconds == 0 {
			s.clear()
			return TransitionCleared
		}
		s.Status = StatusClearing
		s.ConditionFalseSince = t
		return TransitionNone

	case StatusClearing:
		if passed {
			// Condition resumed before clearing completed; the alarm stays
			// active and the hysteresis timer fully resets.
			s.Status = StatusActive
			s.ConditionFalseSince = time.Time{}
			return TransitionNone
		}
		if t.Sub(s.ConditionFalseSince) >= timing.ClearHysteresis() {
			s.clear()
			return TransitionCleared
		}
		return TransitionNone
	}
	return TransitionNone
}

func (s *EvaluationState) fire(t time.Time) {
	s.Status = StatusActive
	s.ConditionTrueSince = time.Time{}
	s.ConditionFalseSince = time.Time{}
	s.FiredAt = t
}

func (s *EvaluationState) clear() {
	s.Status = StatusIdle
	s.ConditionTrueSince = time.Time{}
	s.ConditionFalseSince = time.Time{}
	s.FiredAt = time.Time{}
}

// StateRecord is the persistable snapshot of one cell.
type StateRecord struct {
	RuleID    string
	TargetKey string
	State     *EvaluationState
}

// StateStore persists evaluation state so debounce and hysteresis survive a
// restart. Implementations must tolerate records for rules that no longer
// exist.
type StateStore interface {
	Upsert(ctx context.Context, record StateRecord) error
	DeleteRule(ctx context.Context, ruleID string) error
	LoadAll(ctx context.Context) ([]StateRecord, error)
}

// StateArena holds the evaluation state cells keyed by (rule_id, target_key).
// A cell has exactly one writer at a time: the scheduler routes all targets
// of one rule through a single goroutine.
type StateArena struct {
	mu    sync.Mutex
	cells map[string]*EvaluationState
}

// NewStateArena constructs an empty arena.
func NewStateArena() *StateArena {
	return &StateArena{cells: make(map[string]*EvaluationState)}
}

func arenaKey(ruleID, targetKey string) string { return ruleID + "|" + targetKey }

// Ensure returns the cell for (rule, target), creating it lazily.
func (a *StateArena) Ensure(ruleID, targetKey string) *EvaluationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := arenaKey(ruleID, targetKey)
	cell, ok := a.cells[key]
	if !ok {
		cell = NewEvaluationState()
		a.cells[key] = cell
	}
	return cell
}

// Put installs a restored cell.
func (a *StateArena) Put(ruleID, targetKey string, cell *EvaluationState) {
	if cell == nil {
		return
	}
	a.mu.Lock()
	a.cells[arenaKey(ruleID, targetKey)] = cell
	a.mu.Unlock()
}

// DropRule removes all cells of a rule (disable/delete cleanup).
func (a *StateArena) DropRule(ruleID string) {
	prefix := ruleID + "|"
	a.mu.Lock()
	for key := range a.cells {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(a.cells, key)
		}
	}
	a.mu.Unlock()
}

// Retain drops cells of a rule whose target keys are no longer resolved,
// except cells still holding an active or clearing alarm: fired alarms are
// never force-cleared by membership changes.
func (a *StateArena) Retain(ruleID string, targetKeys map[string]struct{}) {
	prefix := ruleID + "|"
	a.mu.Lock()
	for key, cell := range a.cells {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if _, ok := targetKeys[key[len(prefix):]]; ok {
			continue
		}
		if cell.Status == StatusActive || cell.Status == StatusClearing {
			continue
		}
		delete(a.cells, key)
	}
	a.mu.Unlock()
}

// ActiveCount counts a rule's cells currently in Active state.
func (a *StateArena) ActiveCount(ruleID string) int {
	prefix := ruleID + "|"
	count := 0
	a.mu.Lock()
	for key, cell := range a.cells {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix && cell.Status == StatusActive {
			count++
		}
	}
	a.mu.Unlock()
	return count
}
