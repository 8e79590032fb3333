package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
	"fleetwatch/internal/observability/metrics"
)

// AlarmHistory records fired and cleared alarm instances. Writes must be
// retry-safe: recording the same fire twice is a no-op.
type AlarmHistory interface {
	RecordFired(ctx context.Context, instance alarms.AlarmInstance) error
	RecordCleared(ctx context.Context, instance alarms.AlarmInstance) error
}

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type     string               `json:"type"`
	Instance alarms.AlarmInstance `json:"alarm"`
}

// Alarm lifecycle event types.
const (
	EventFired   = "fired"
	EventCleared = "cleared"
)

// Scheduler owns the tick loop: it resolves targets, evaluates conditions,
// advances the timing state machine and emits fire/clear batches. Rules run
// concurrently with each other, but all targets of one rule run in a single
// goroutine so every state cell has one writer.
type Scheduler struct {
	store      *RuleStore
	resolver   *Resolver
	evaluator  *Evaluator
	arena      *StateArena
	history    AlarmHistory
	notifier   AlarmNotifier
	stateStore StateStore
	clock      Clock
	logger     *log.Logger
	minTick    time.Duration
	workers    int
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock assigns a clock.
func WithSchedulerClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) SchedulerOption {
	return func(s *Scheduler) {
		s.notifier = notifier
	}
}

// WithStateStore enables evaluation state persistence across restarts.
func WithStateStore(store StateStore) SchedulerOption {
	return func(s *Scheduler) {
		s.stateStore = store
	}
}

// WithMinTick overrides the scheduler's minimum tick.
func WithMinTick(tick time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if tick > 0 {
			s.minTick = tick
		}
	}
}

// WithWorkers bounds concurrent rule evaluations.
func WithWorkers(workers int) SchedulerOption {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// NewScheduler constructs a scheduler.
func NewScheduler(store *RuleStore, resolver *Resolver, evaluator *Evaluator, history AlarmHistory, logger *log.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: nil rule store")
	}
	if resolver == nil {
		return nil, errors.New("scheduler: nil resolver")
	}
	if evaluator == nil {
		return nil, errors.New("scheduler: nil evaluator")
	}
	if history == nil {
		return nil, errors.New("scheduler: nil alarm history")
	}
	scheduler := &Scheduler{
		store:     store,
		resolver:  resolver,
		evaluator: evaluator,
		arena:     NewStateArena(),
		history:   history,
		clock:     systemClock{},
		logger:    logger,
		minTick:   30 * time.Second,
		workers:   4,
	}
	for _, opt := range opts {
		opt(scheduler)
	}
	return scheduler, nil
}

// Restore reloads persisted evaluation state into the arena. Call before
// Start so debounce and hysteresis timers survive a restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s == nil || s.stateStore == nil {
		return nil
	}
	records, err := s.stateStore.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.RuleID == "" || record.TargetKey == "" || record.State == nil {
			continue
		}
		s.arena.Put(record.RuleID, record.TargetKey, record.State)
	}
	return nil
}

// Start runs the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.minTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick evaluates all due rules once. A failing rule never aborts the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if s == nil {
		return
	}
	if now.IsZero() {
		now = s.clock.Now().UTC()
	}
	rules, err := s.store.ListSchedulable(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("scheduler: list rules error: %v", err)
		}
		return
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for _, rule := range rules {
		if !s.due(rule, now) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rule alarms.AlarmRule) {
			defer wg.Done()
			defer func() { <-sem }()
			s.tickRule(ctx, rule, now)
		}(rule)
	}
	wg.Wait()
}

func (s *Scheduler) due(rule alarms.AlarmRule, now time.Time) bool {
	if rule.LastEvalAt.IsZero() {
		return true
	}
	interval := rule.Timing.EvalInterval()
	if interval < s.minTick {
		interval = s.minTick
	}
	return now.Sub(rule.LastEvalAt) >= interval
}

// tickRule runs one rule's evaluation pass, converting panics into the
// rule's last_error so a logic bug in one condition cannot take down the
// scheduler.
func (s *Scheduler) tickRule(ctx context.Context, rule alarms.AlarmRule, now time.Time) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			s.store.RecordEval(rule.ID, now, s.arena.ActiveCount(rule.ID), &msg)
			metrics.ObserveRuleEval(metrics.ResultError, time.Since(started))
			if s.logger != nil {
				s.logger.Printf("scheduler: rule %s panicked: %v", rule.ID, r)
			}
		}
	}()

	batch, targetCount, err := s.evaluateRule(ctx, rule, now)
	active := s.arena.ActiveCount(rule.ID)
	if err != nil {
		// Transient evaluator failure: record, skip this tick, retry on the
		// next interval. Other rules are unaffected.
		msg := err.Error()
		s.store.RecordEval(rule.ID, now, active, &msg)
		metrics.ObserveRuleEval(metrics.ResultError, time.Since(started))
		if s.logger != nil {
			s.logger.Printf("scheduler: rule %s eval error: %v", rule.ID, err)
		}
		return
	}

	if targetCount == 0 {
		// Resolution gap: zero targets is reportable, not an error, and the
		// previous last_error stays untouched.
		s.store.RecordEval(rule.ID, now, active, nil)
	} else {
		cleared := ""
		s.store.RecordEval(rule.ID, now, active, &cleared)
	}
	metrics.ObserveRuleEval(metrics.ResultSuccess, time.Since(started))
	metrics.SetActiveAlarms(rule.ID, active)

	s.emit(ctx, batch)
}

func (s *Scheduler) evaluateRule(ctx context.Context, rule alarms.AlarmRule, now time.Time) ([]AlarmEvent, int, error) {
	targets, err := s.resolver.Resolve(ctx, rule.Selector)
	if err != nil {
		return nil, 0, err
	}
	metrics.AddTargetsResolved(len(targets))

	// Phase one: evaluate every target before touching any state cell.
	// Consecutive counters are staged on a clone, so an error on any member
	// leaves the whole pass unapplied and the tick safe to retry. A
	// half-applied pass would advance cells whose fire events were then
	// dropped with the batch, losing alarms permanently.
	type outcome struct {
		target   alarms.Target
		cell     *EvaluationState
		counters *ConsecutiveCounters
		result   alarms.EvalResult
	}
	keys := make(map[string]struct{}, len(targets))
	outcomes := make([]outcome, 0, len(targets))
	for _, target := range targets {
		keys[target.Key] = struct{}{}
		cell := s.arena.Ensure(rule.ID, target.Key)
		staged := cell.Counters.Clone()
		result, err := s.evaluator.EvaluateTarget(ctx, rule.Condition, target, rule.Selector.EffectiveMatch(), now, staged)
		if err != nil {
			return nil, 0, err
		}
		outcomes = append(outcomes, outcome{target: target, cell: cell, counters: staged, result: result})
	}

	// Phase two: commit transitions and collect the emission batch.
	var batch []AlarmEvent
	for _, o := range outcomes {
		cell := o.cell
		cell.Counters = o.counters
		cell.LastObserved = o.result.Observed
		firedAt := cell.FiredAt

		switch cell.Apply(o.result.Passed, now, rule.Timing) {
		case TransitionFired:
			observed := 0.0
			if o.result.Observed != nil {
				observed = *o.result.Observed
			}
			instance := alarms.AlarmInstance{
				ID:            alarms.BuildAlarmID(rule.ID, o.target.Key, now),
				RuleID:        rule.ID,
				TargetKey:     o.target.Key,
				Severity:      rule.Severity,
				FiredAt:       now,
				ObservedValue: observed,
				Message:       RenderMessage(rule, o.target.Key, observed, now),
			}
			batch = append(batch, AlarmEvent{Type: EventFired, Instance: instance})
		case TransitionCleared:
			observed := 0.0
			if cell.LastObserved != nil {
				observed = *cell.LastObserved
			}
			instance := alarms.AlarmInstance{
				ID:            alarms.BuildAlarmID(rule.ID, o.target.Key, firedAt),
				RuleID:        rule.ID,
				TargetKey:     o.target.Key,
				Severity:      rule.Severity,
				FiredAt:       firedAt,
				ClearedAt:     now,
				ObservedValue: observed,
			}
			batch = append(batch, AlarmEvent{Type: EventCleared, Instance: instance})
		}
		s.persist(ctx, rule.ID, o.target.Key, cell)
	}
	s.arena.Retain(rule.ID, keys)
	return batch, len(targets), nil
}

func (s *Scheduler) emit(ctx context.Context, batch []AlarmEvent) {
	for _, event := range batch {
		var err error
		switch event.Type {
		case EventFired:
			err = s.history.RecordFired(ctx, event.Instance)
		case EventCleared:
			err = s.history.RecordCleared(ctx, event.Instance)
		}
		if err != nil && s.logger != nil {
			s.logger.Printf("scheduler: history write error: rule=%s target=%s err=%v", event.Instance.RuleID, event.Instance.TargetKey, err)
		}
		metrics.IncAlarmEvent(event.Type)
		if s.notifier != nil {
			s.notifier.Notify(ctx, event)
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, ruleID, targetKey string, cell *EvaluationState) {
	if s.stateStore == nil {
		return
	}
	if err := s.stateStore.Upsert(ctx, StateRecord{RuleID: ruleID, TargetKey: targetKey, State: cell}); err != nil && s.logger != nil {
		s.logger.Printf("scheduler: state persist error: rule=%s target=%s err=%v", ruleID, targetKey, err)
	}
}

// DropRuleState discards a rule's evaluation state, used when a rule is
// disabled or deleted. Fired alarms are not force-cleared; cleanup of open
// alarms stays an explicit external decision.
func (s *Scheduler) DropRuleState(ctx context.Context, ruleID string) {
	if s == nil {
		return
	}
	s.arena.DropRule(ruleID)
	if s.stateStore != nil {
		if err := s.stateStore.DeleteRule(ctx, ruleID); err != nil && s.logger != nil {
			s.logger.Printf("scheduler: state delete error: rule=%s err=%v", ruleID, err)
		}
	}
}
