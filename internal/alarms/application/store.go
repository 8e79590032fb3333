package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RuleStore is the in-memory rule registry backing the exposed rule
// operations. Durable persistence of rules stays with an external
// collaborator; the store only guarantees the validation contract and the
// soft-delete invariant.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*alarms.AlarmRule
	clock Clock
}

// RuleStoreOption customizes the store.
type RuleStoreOption func(*RuleStore)

// WithRuleStoreClock assigns a clock.
func WithRuleStoreClock(clock Clock) RuleStoreOption {
	return func(s *RuleStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRuleStore constructs an empty store.
func NewRuleStore(opts ...RuleStoreOption) *RuleStore {
	store := &RuleStore{
		rules: make(map[string]*alarms.AlarmRule),
		clock: systemClock{},
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Create validates and registers a rule. A missing id is derived from the
// rule name and creation time.
func (s *RuleStore) Create(ctx context.Context, rule *alarms.AlarmRule) error {
	if s == nil {
		return errors.New("rule store: nil")
	}
	if rule == nil {
		return errors.New("rule store: nil rule")
	}
	now := s.clock.Now().UTC()
	if rule.ID == "" {
		rule.ID = buildRuleID(rule.Name, now)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return errors.New("rule store: duplicate rule id")
	}
	clone := *rule
	s.rules[rule.ID] = &clone
	return nil
}

// Update validates and replaces a rule's definition, preserving runtime
// bookkeeping and audit fields.
func (s *RuleStore) Update(ctx context.Context, rule *alarms.AlarmRule) error {
	if s == nil {
		return errors.New("rule store: nil")
	}
	if rule == nil || rule.ID == "" {
		return errors.New("rule store: rule id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok || existing.Deleted() {
		return alarms.ErrNotFound
	}
	clone := *rule
	clone.CreatedAt = existing.CreatedAt
	clone.CreatedBy = existing.CreatedBy
	clone.DeletedAt = existing.DeletedAt
	clone.ActiveCount = existing.ActiveCount
	clone.LastEvalAt = existing.LastEvalAt
	clone.LastError = existing.LastError
	clone.UpdatedAt = s.clock.Now().UTC()
	if err := clone.Validate(); err != nil {
		return err
	}
	s.rules[rule.ID] = &clone
	*rule = clone
	return nil
}

// Get returns a rule by id, including soft-deleted rules.
func (s *RuleStore) Get(ctx context.Context, id string) (*alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("rule store: nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, alarms.ErrNotFound
	}
	clone := *rule
	return &clone, nil
}

// List returns all non-deleted rules ordered by creation time.
func (s *RuleStore) List(ctx context.Context) ([]alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("rule store: nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []alarms.AlarmRule
	for _, rule := range s.rules {
		if rule.Deleted() {
			continue
		}
		result = append(result, *rule)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListSchedulable returns enabled, non-deleted rules.
func (s *RuleStore) ListSchedulable(ctx context.Context) ([]alarms.AlarmRule, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []alarms.AlarmRule
	for _, rule := range rules {
		if rule.Schedulable() {
			result = append(result, rule)
		}
	}
	return result, nil
}

// SetEnabled flips a rule's enabled flag.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) (*alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("rule store: nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Deleted() {
		return nil, alarms.ErrNotFound
	}
	if rule.Enabled != enabled {
		rule.Enabled = enabled
		rule.UpdatedAt = s.clock.Now().UTC()
	}
	clone := *rule
	return &clone, nil
}

// SoftDelete marks a rule deleted; it stays queryable for alarm history but
// is excluded from scheduling.
func (s *RuleStore) SoftDelete(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("rule store: nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Deleted() {
		return alarms.ErrNotFound
	}
	rule.DeletedAt = s.clock.Now().UTC()
	rule.UpdatedAt = rule.DeletedAt
	return nil
}

// RecordEval updates a rule's runtime bookkeeping after a scheduler pass.
// lastError == nil leaves the previous error untouched (resolution gaps);
// an empty string clears it.
func (s *RuleStore) RecordEval(id string, at time.Time, activeCount int, lastError *string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return
	}
	rule.LastEvalAt = at
	rule.ActiveCount = activeCount
	if lastError != nil {
		rule.LastError = *lastError
	}
}

func buildRuleID(name string, at time.Time) string {
	sum := sha1.Sum([]byte(name + "|" + at.Format(time.RFC3339Nano)))
	return "rule-" + hex.EncodeToString(sum[:8])
}
