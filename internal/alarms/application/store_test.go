package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func validRule(name string) *alarms.AlarmRule {
	return &alarms.AlarmRule{
		Name:     name,
		Enabled:  true,
		Severity: alarms.SeverityWarning,
		Selector: alarms.TargetSelector{Kind: alarms.SelectorSensor, SensorID: "s-1"},
		Condition: &alarms.ConditionNode{
			Type: alarms.ConditionThreshold, Op: alarms.OpGreater, Value: 30,
		},
		Timing: alarms.Timing{DebounceSeconds: 60, EvalIntervalSeconds: 30},
	}
}

func TestRuleStore_CreateAssignsIDAndAudit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := NewRuleStore(WithRuleStoreClock(clock))

	rule := validRule("high temp")
	if err := store.Create(context.Background(), rule); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rule.ID == "" {
		t.Fatal("create must assign an id")
	}
	if !rule.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created_at = %v, want clock time", rule.CreatedAt)
	}
}

func TestRuleStore_CreateRejectsInvalid(t *testing.T) {
	store := NewRuleStore()
	rule := validRule("bad")
	rule.Severity = "fatal"

	err := store.Create(context.Background(), rule)
	if err == nil {
		t.Fatal("invalid severity must be rejected")
	}
	if !alarms.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRuleStore_UpdatePreservesAuditAndRuntime(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := NewRuleStore(WithRuleStoreClock(clock))

	rule := validRule("high temp")
	rule.CreatedBy = "user-1"
	if err := store.Create(context.Background(), rule); err != nil {
		t.Fatalf("create: %v", err)
	}
	store.RecordEval(rule.ID, clock.Now(), 2, nil)

	clock.Advance(time.Minute)
	updated := validRule("high temp v2")
	updated.ID = rule.ID
	if err := store.Update(context.Background(), updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.CreatedBy != "user-1" {
		t.Fatalf("created_by = %q, want preserved", updated.CreatedBy)
	}
	if !updated.CreatedAt.Equal(rule.CreatedAt) {
		t.Fatal("created_at must be preserved across updates")
	}
	if updated.ActiveCount != 2 {
		t.Fatalf("active_count = %d, want runtime state preserved", updated.ActiveCount)
	}
	if !updated.UpdatedAt.After(rule.CreatedAt) {
		t.Fatal("updated_at must advance")
	}
}

func TestRuleStore_SoftDeleteExcludesFromScheduling(t *testing.T) {
	store := NewRuleStore()
	rule := validRule("high temp")
	if err := store.Create(context.Background(), rule); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.SoftDelete(context.Background(), rule.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	list, _ := store.List(context.Background())
	if len(list) != 0 {
		t.Fatal("deleted rule must not appear in listings")
	}
	schedulable, _ := store.ListSchedulable(context.Background())
	if len(schedulable) != 0 {
		t.Fatal("deleted rule must not be schedulable")
	}

	// History queries still reach it by id.
	got, err := store.Get(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if !got.Deleted() {
		t.Fatal("fetched rule should report deleted")
	}

	update := validRule("resurrect")
	update.ID = rule.ID
	if err := store.Update(context.Background(), update); !errors.Is(err, alarms.ErrNotFound) {
		t.Fatalf("update of a deleted rule should be not found, got %v", err)
	}
}

func TestRuleStore_SetEnabled(t *testing.T) {
	store := NewRuleStore()
	rule := validRule("high temp")
	_ = store.Create(context.Background(), rule)

	got, err := store.SetEnabled(context.Background(), rule.ID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got.Enabled {
		t.Fatal("rule should be disabled")
	}
	schedulable, _ := store.ListSchedulable(context.Background())
	if len(schedulable) != 0 {
		t.Fatal("disabled rule must not be schedulable")
	}
}

func TestRuleStore_RecordEvalErrorSemantics(t *testing.T) {
	store := NewRuleStore()
	rule := validRule("high temp")
	_ = store.Create(context.Background(), rule)
	now := time.Now().UTC()

	boom := "telemetry timeout"
	store.RecordEval(rule.ID, now, 0, &boom)
	got, _ := store.Get(context.Background(), rule.ID)
	if got.LastError != boom {
		t.Fatalf("last_error = %q, want %q", got.LastError, boom)
	}

	// Resolution gap: nil leaves the previous error visible.
	store.RecordEval(rule.ID, now.Add(time.Minute), 0, nil)
	got, _ = store.Get(context.Background(), rule.ID)
	if got.LastError != boom {
		t.Fatal("nil last_error must leave the previous error untouched")
	}

	// Successful pass: empty string clears it.
	cleared := ""
	store.RecordEval(rule.ID, now.Add(2*time.Minute), 1, &cleared)
	got, _ = store.Get(context.Background(), rule.ID)
	if got.LastError != "" {
		t.Fatalf("last_error = %q, want cleared", got.LastError)
	}
	if got.ActiveCount != 1 {
		t.Fatalf("active_count = %d, want 1", got.ActiveCount)
	}
}
