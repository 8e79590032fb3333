package application

import (
	"testing"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

func TestEvaluationState_ZeroDebounceFiresImmediately(t *testing.T) {
	cell := NewEvaluationState()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	timing := alarms.Timing{DebounceSeconds: 0}

	if got := cell.Apply(true, now, timing); got != TransitionFired {
		t.Fatalf("transition = %v, want fired", got)
	}
	if cell.Status != StatusActive {
		t.Fatalf("status = %q, want active", cell.Status)
	}
	if !cell.FiredAt.Equal(now) {
		t.Fatalf("fired_at = %v, want %v", cell.FiredAt, now)
	}
}

func TestEvaluationState_DebounceDelaysFire(t *testing.T) {
	cell := NewEvaluationState()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	timing := alarms.Timing{DebounceSeconds: 60}

	if got := cell.Apply(true, base, timing); got != TransitionNone {
		t.Fatalf("first true should only arm debounce, got %v", got)
	}
	if cell.Status != StatusPending {
		t.Fatalf("status = %q, want pending", cell.Status)
	}

	if got := cell.Apply(true, base.Add(30*time.Second), timing); got != TransitionNone {
		t.Fatalf("30s into a 60s debounce must not fire, got %v", got)
	}

	if got := cell.Apply(true, base.Add(60*time.Second), timing); got != TransitionFired {
		t.Fatalf("60s of sustained truth should fire, got %v", got)
	}
}

func TestEvaluationState_SingleFalseResetsDebounce(t *testing.T) {
	cell := NewEvaluationState()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	timing := alarms.Timing{DebounceSeconds: 60}

	cell.Apply(true, base, timing)
	if got := cell.Apply(false, base.Add(30*time.Second), timing); got != TransitionNone {
		t.Fatalf("false in pending should silently reset, got %v", got)
	}
	if cell.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after reset", cell.Status)
	}

	// The run restarts from zero; truth at +40s and +90s has only held 50s.
	cell.Apply(true, base.Add(40*time.Second), timing)
	if got := cell.Apply(true, base.Add(90*time.Second), timing); got != TransitionNone {
		t.Fatalf("debounce must restart after a reset, got %v", got)
	}
	if got := cell.Apply(true, base.Add(100*time.Second), timing); got != TransitionFired {
		t.Fatalf("60s after the restart should fire, got %v", got)
	}
}

func TestEvaluationState_ZeroHysteresisClearsImmediately(t *testing.T) {
	cell := NewEvaluationState()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	timing := alarms.Timing{}

	cell.Apply(true, now, timing)
	if got := cell.Apply(false, now.Add(30*time.Second), timing); got != TransitionCleared {
		t.Fatalf("zero hysteresis should clear on first false, got %v", got)
	}
	if cell.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", cell.Status)
	}
	if !cell.FiredAt.IsZero() {
		t.Fatal("clear must reset fired_at")
	}
}

func TestEvaluationState_HysteresisDelaysClear(t *testing.T) {
	cell := NewEvaluationState()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	timing := alarms.Timing{ClearHysteresisSeconds: 120}

	cell.Apply(true, base, timing)
	if got := cell.Apply(false, base.Add(time.Minute), timing); got != TransitionNone {
		t.Fatalf("first false should only arm hysteresis, got %v", got)
	}
	if cell.Status != StatusClearing {
		t.Fatalf("status = %q, want clearing", cell.Status)
	}

	if got := cell.Apply(false, base.Add(3*time.Minute), timing); got != TransitionCleared {
		t.Fatalf("120s of sustained falsity should clear, got %v", got)
	}
}

func TestEvaluationState_ClearingResumeFullyResetsHysteresis(t *testing.T) {
	cell := NewEvaluationState()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	timing := alarms.Timing{ClearHysteresisSeconds: 120}

	cell.Apply(true, base, timing)
	firedAt := cell.FiredAt
	cell.Apply(false, base.Add(time.Minute), timing)

	// Condition resumes: back to active, no second fire, timer discarded.
	if got := cell.Apply(true, base.Add(90*time.Second), timing); got != TransitionNone {
		t.Fatalf("resume must not re-fire, got %v", got)
	}
	if cell.Status != StatusActive {
		t.Fatalf("status = %q, want active", cell.Status)
	}
	if !cell.FiredAt.Equal(firedAt) {
		t.Fatal("resume must keep the original fired_at")
	}

	// New falsity needs the full hysteresis again.
	cell.Apply(false, base.Add(2*time.Minute), timing)
	if got := cell.Apply(false, base.Add(3*time.Minute), timing); got != TransitionNone {
		t.Fatalf("only 60s into the restarted hysteresis, got %v", got)
	}
	if got := cell.Apply(false, base.Add(4*time.Minute), timing); got != TransitionCleared {
		t.Fatalf("full hysteresis elapsed, want cleared, got %v", got)
	}
}

func TestStateArena_RetainKeepsOpenAlarms(t *testing.T) {
	arena := NewStateArena()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	active := arena.Ensure("rule-1", "s-1")
	active.Apply(true, now, alarms.Timing{})
	idle := arena.Ensure("rule-1", "s-2")
	_ = idle

	// s-1 and s-2 both dropped out of the resolution; only the active cell
	// survives.
	arena.Retain("rule-1", map[string]struct{}{"s-3": {}})

	if arena.ActiveCount("rule-1") != 1 {
		t.Fatal("active cell must survive a membership change")
	}
	fresh := arena.Ensure("rule-1", "s-2")
	if fresh.Status != StatusIdle || fresh == idle {
		t.Fatal("idle cell should have been dropped and recreated")
	}
}

func TestStateArena_DropRuleScopedByPrefix(t *testing.T) {
	arena := NewStateArena()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	arena.Ensure("rule-1", "s-1").Apply(true, now, alarms.Timing{})
	arena.Ensure("rule-10", "s-1").Apply(true, now, alarms.Timing{})

	arena.DropRule("rule-1")

	if arena.ActiveCount("rule-1") != 0 {
		t.Fatal("rule-1 cells should be gone")
	}
	if arena.ActiveCount("rule-10") != 1 {
		t.Fatal("rule-10 cells must be untouched")
	}
}
