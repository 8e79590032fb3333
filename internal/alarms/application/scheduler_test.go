package application

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

type stubHistory struct {
	mu      sync.Mutex
	fired   []alarms.AlarmInstance
	cleared []alarms.AlarmInstance
}

func (h *stubHistory) RecordFired(_ context.Context, instance alarms.AlarmInstance) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, instance)
	return nil
}

func (h *stubHistory) RecordCleared(_ context.Context, instance alarms.AlarmInstance) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = append(h.cleared, instance)
	return nil
}

func (h *stubHistory) firedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

type stubNotifier struct {
	mu     sync.Mutex
	events []AlarmEvent
}

func (n *stubNotifier) Notify(_ context.Context, event AlarmEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

type panicTelemetry struct{}

func (panicTelemetry) Latest(context.Context, string) (float64, time.Time, bool, error) {
	panic("telemetry backend corrupted")
}

func (panicTelemetry) WindowedAggregate(context.Context, string, time.Time, time.Time, string) (float64, bool, error) {
	panic("telemetry backend corrupted")
}

func (panicTelemetry) BucketedSeries(context.Context, string, time.Time, time.Time, time.Duration, string) ([]Sample, error) {
	panic("telemetry backend corrupted")
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "test ", log.LstdFlags)
}

func newTestScheduler(t *testing.T, telemetry TelemetryAccessor, store *RuleStore, history AlarmHistory, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	resolver, err := NewResolver(&stubRegistry{})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	evaluator, err := NewEvaluator(telemetry)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	scheduler, err := NewScheduler(store, resolver, evaluator, history, testLogger(), opts...)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return scheduler
}

func TestScheduler_DebounceScenario(t *testing.T) {
	telemetry := newStubTelemetry()
	store := NewRuleStore()
	history := &stubHistory{}
	notifier := &stubNotifier{}
	scheduler := newTestScheduler(t, telemetry, store, history, WithNotifier(notifier), WithMinTick(30*time.Second))

	rule := validRule("cpu high")
	rule.Timing = alarms.Timing{DebounceSeconds: 60, EvalIntervalSeconds: 30}
	if err := store.Create(context.Background(), rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	// 28 at t=0 (idle), 31 at t=30 (arms debounce), 32 at t=60 (held 30s),
	// 33 at t=90 (held 60s, fires), 34 at t=120 (still active, no refire).
	values := []float64{28, 31, 32, 33, 34}
	for i, value := range values {
		at := base.Add(time.Duration(i*30) * time.Second)
		telemetry.latest["s-1"] = Sample{At: at, Value: value}
		scheduler.Tick(context.Background(), at)
	}

	if history.firedCount() != 1 {
		t.Fatalf("fired %d instances, want exactly 1", history.firedCount())
	}
	instance := history.fired[0]
	if !instance.FiredAt.Equal(base.Add(90 * time.Second)) {
		t.Fatalf("fired_at = %v, want t+90s", instance.FiredAt)
	}
	if instance.ObservedValue != 33 {
		t.Fatalf("observed = %v, want the value at fire time 33", instance.ObservedValue)
	}
	if instance.TargetKey != "s-1" {
		t.Fatalf("target_key = %q, want s-1", instance.TargetKey)
	}
	if instance.Message == "" {
		t.Fatal("fired instance should carry a rendered message")
	}

	got, _ := store.Get(context.Background(), rule.ID)
	if got.ActiveCount != 1 {
		t.Fatalf("active_count = %d, want 1", got.ActiveCount)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != EventFired {
		t.Fatalf("notifier events = %+v, want one fired event", notifier.events)
	}
}

func TestScheduler_ClearCarriesOriginalFireIdentity(t *testing.T) {
	telemetry := newStubTelemetry()
	store := NewRuleStore()
	history := &stubHistory{}
	scheduler := newTestScheduler(t, telemetry, store, history, WithMinTick(30*time.Second))

	rule := validRule("cpu high")
	rule.Timing = alarms.Timing{ClearHysteresisSeconds: 60, EvalIntervalSeconds: 30}
	_ = store.Create(context.Background(), rule)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	script := []float64{40, 20, 20, 20}
	for i, value := range script {
		at := base.Add(time.Duration(i*30) * time.Second)
		telemetry.latest["s-1"] = Sample{At: at, Value: value}
		scheduler.Tick(context.Background(), at)
	}

	if len(history.fired) != 1 || len(history.cleared) != 1 {
		t.Fatalf("fired=%d cleared=%d, want 1/1", len(history.fired), len(history.cleared))
	}
	fired := history.fired[0]
	cleared := history.cleared[0]
	if cleared.ID != fired.ID {
		t.Fatal("cleared instance must reference the fired instance id")
	}
	if !cleared.FiredAt.Equal(fired.FiredAt) {
		t.Fatal("cleared instance must keep the original fired_at")
	}
	if !cleared.ClearedAt.Equal(base.Add(90 * time.Second)) {
		t.Fatalf("cleared_at = %v, want t+90s", cleared.ClearedAt)
	}
}

func TestScheduler_PanicIsolatedToRule(t *testing.T) {
	store := NewRuleStore()
	history := &stubHistory{}
	scheduler := newTestScheduler(t, panicTelemetry{}, store, history, WithMinTick(30*time.Second))

	rule := validRule("cpu high")
	_ = store.Create(context.Background(), rule)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	scheduler.Tick(context.Background(), now)

	got, _ := store.Get(context.Background(), rule.ID)
	if got.LastError == "" {
		t.Fatal("a panicking rule must record last_error")
	}
	if history.firedCount() != 0 {
		t.Fatal("a panicking rule must not fire")
	}
}

func TestScheduler_TransientErrorRecordedAndRetried(t *testing.T) {
	telemetry := newStubTelemetry()
	store := NewRuleStore()
	history := &stubHistory{}
	scheduler := newTestScheduler(t, telemetry, store, history, WithMinTick(30*time.Second))

	rule := validRule("cpu high")
	rule.Timing = alarms.Timing{EvalIntervalSeconds: 30}
	_ = store.Create(context.Background(), rule)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	telemetry.err = errTelemetryDown
	scheduler.Tick(context.Background(), base)

	got, _ := store.Get(context.Background(), rule.ID)
	if got.LastError == "" {
		t.Fatal("transient failure must record last_error")
	}

	// Backend recovers; the next tick evaluates and clears the error.
	telemetry.err = nil
	telemetry.latest["s-1"] = Sample{At: base.Add(30 * time.Second), Value: 10}
	scheduler.Tick(context.Background(), base.Add(30*time.Second))

	got, _ = store.Get(context.Background(), rule.ID)
	if got.LastError != "" {
		t.Fatalf("last_error = %q, want cleared after recovery", got.LastError)
	}
}

func TestScheduler_MidPassErrorDoesNotLoseFires(t *testing.T) {
	telemetry := newStubTelemetry()
	store := NewRuleStore()
	history := &stubHistory{}
	scheduler := newTestScheduler(t, telemetry, store, history, WithMinTick(30*time.Second))

	rule := validRule("set rule")
	rule.Selector = alarms.TargetSelector{Kind: alarms.SelectorSensorSet, SensorIDs: []string{"s-a", "s-b"}}
	rule.Timing = alarms.Timing{EvalIntervalSeconds: 30}
	_ = store.Create(context.Background(), rule)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	telemetry.latest["s-a"] = Sample{At: base, Value: 40}
	telemetry.errFor["s-b"] = errTelemetryDown

	// The second member fails after the first already evaluated true. The
	// whole pass must be discarded: no cell advances, nothing fires.
	scheduler.Tick(context.Background(), base)

	if history.firedCount() != 0 {
		t.Fatalf("fired %d instances during a failed pass, want 0", history.firedCount())
	}
	got, _ := store.Get(context.Background(), rule.ID)
	if got.LastError == "" {
		t.Fatal("failed pass must record last_error")
	}
	if got.ActiveCount != 0 {
		t.Fatalf("active_count = %d after a failed pass, want 0", got.ActiveCount)
	}

	// Backend heals; the retry tick fires both members exactly once.
	delete(telemetry.errFor, "s-b")
	next := base.Add(30 * time.Second)
	telemetry.latest["s-a"] = Sample{At: next, Value: 41}
	telemetry.latest["s-b"] = Sample{At: next, Value: 50}
	scheduler.Tick(context.Background(), next)

	if history.firedCount() != 2 {
		t.Fatalf("fired %d instances after recovery, want 2", history.firedCount())
	}
	seen := make(map[string]int)
	for _, instance := range history.fired {
		seen[instance.TargetKey]++
	}
	if seen["s-a"] != 1 || seen["s-b"] != 1 {
		t.Fatalf("fired targets = %v, want one fire each for s-a and s-b", seen)
	}
}

func TestScheduler_MidPassErrorKeepsConsecutiveCounters(t *testing.T) {
	telemetry := newStubTelemetry()
	store := NewRuleStore()
	history := &stubHistory{}
	scheduler := newTestScheduler(t, telemetry, store, history, WithMinTick(30*time.Second))

	rule := validRule("set rule")
	rule.Selector = alarms.TargetSelector{Kind: alarms.SelectorSensorSet, SensorIDs: []string{"s-a", "s-b"}}
	rule.Condition = &alarms.ConditionNode{
		Type: alarms.ConditionConsecutive, Period: alarms.PeriodEval, Count: 2,
		Child: &alarms.ConditionNode{Type: alarms.ConditionThreshold, Op: alarms.OpGreater, Value: 30},
	}
	rule.Timing = alarms.Timing{EvalIntervalSeconds: 30}
	_ = store.Create(context.Background(), rule)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ticks := []struct {
		fail bool
	}{
		{false}, // counter a: 1
		{true},  // pass discarded, counter a stays 1
		{false}, // counter a: 2, fires
	}
	for i, tick := range ticks {
		at := base.Add(time.Duration(i*30) * time.Second)
		telemetry.latest["s-a"] = Sample{At: at, Value: 40}
		telemetry.latest["s-b"] = Sample{At: at, Value: 10}
		if tick.fail {
			telemetry.errFor["s-b"] = errTelemetryDown
		} else {
			delete(telemetry.errFor, "s-b")
		}
		scheduler.Tick(context.Background(), at)
	}

	if history.firedCount() != 1 {
		t.Fatalf("fired %d instances, want exactly 1", history.firedCount())
	}
	if history.fired[0].TargetKey != "s-a" {
		t.Fatalf("fired target = %q, want s-a", history.fired[0].TargetKey)
	}
	if !history.fired[0].FiredAt.Equal(base.Add(60 * time.Second)) {
		t.Fatalf("fired_at = %v, want the second successful tick", history.fired[0].FiredAt)
	}
}

func TestScheduler_ZeroTargetsLeavesLastErrorUntouched(t *testing.T) {
	telemetry := newStubTelemetry()
	store := NewRuleStore()
	history := &stubHistory{}
	scheduler := newTestScheduler(t, telemetry, store, history, WithMinTick(30*time.Second))

	rule := validRule("node rule")
	rule.Selector = alarms.TargetSelector{Kind: alarms.SelectorNodeSensors, NodeID: "n-empty"}
	rule.Timing = alarms.Timing{EvalIntervalSeconds: 30}
	_ = store.Create(context.Background(), rule)

	boom := "old failure"
	store.RecordEval(rule.ID, time.Now().UTC(), 0, &boom)

	scheduler.Tick(context.Background(), time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	got, _ := store.Get(context.Background(), rule.ID)
	if got.LastError != boom {
		t.Fatalf("last_error = %q, resolution gap must not clear it", got.LastError)
	}
}

var errTelemetryDown = errors.New("telemetry down")
