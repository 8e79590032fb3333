package application

import (
	"context"
	"errors"

	alarms "fleetwatch/internal/alarms/domain"
)

// PreviewTargetResult is one target's outcome in a preview run.
type PreviewTargetResult struct {
	TargetKey string   `json:"target_key"`
	SensorIDs []string `json:"sensor_ids"`
	Passed    bool     `json:"passed"`
	Observed  *float64 `json:"observed_value,omitempty"`
}

// PreviewResult answers "would this fire right now" while authoring a rule.
// TargetsEvaluated zero distinguishes "nothing matched" from "matched but
// all false".
type PreviewResult struct {
	TargetsEvaluated int                   `json:"targets_evaluated"`
	Results          []PreviewTargetResult `json:"results"`
}

// Previewer evaluates an unpersisted selector/condition pair once against
// current telemetry, with no state machine transitions or side effects.
type Previewer struct {
	resolver  *Resolver
	evaluator *Evaluator
	clock     Clock
}

// NewPreviewer constructs a Previewer.
func NewPreviewer(resolver *Resolver, evaluator *Evaluator, opts ...PreviewerOption) (*Previewer, error) {
	if resolver == nil {
		return nil, errors.New("previewer: nil resolver")
	}
	if evaluator == nil {
		return nil, errors.New("previewer: nil evaluator")
	}
	previewer := &Previewer{resolver: resolver, evaluator: evaluator, clock: systemClock{}}
	for _, opt := range opts {
		opt(previewer)
	}
	return previewer, nil
}

// PreviewerOption customizes the previewer.
type PreviewerOption func(*Previewer)

// WithPreviewerClock assigns a clock.
func WithPreviewerClock(clock Clock) PreviewerOption {
	return func(p *Previewer) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// Preview validates and evaluates the authored selector and condition.
// Consecutive-period counters start fresh, so a consecutive condition passes
// in preview only when a single period would satisfy it.
func (p *Previewer) Preview(ctx context.Context, selector alarms.TargetSelector, condition *alarms.ConditionNode) (PreviewResult, error) {
	if p == nil {
		return PreviewResult{}, errors.New("previewer: nil")
	}
	if err := selector.Validate(); err != nil {
		return PreviewResult{}, err
	}
	if condition == nil {
		return PreviewResult{}, alarms.NewValidationError("preview: condition is required")
	}
	if err := condition.Validate(); err != nil {
		return PreviewResult{}, err
	}

	now := p.clock.Now().UTC()
	targets, err := p.resolver.Resolve(ctx, selector)
	if err != nil {
		return PreviewResult{}, err
	}

	result := PreviewResult{TargetsEvaluated: len(targets), Results: make([]PreviewTargetResult, 0, len(targets))}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			// Client disconnect aborts cleanly; preview has nothing to roll back.
			return PreviewResult{}, err
		}
		eval, err := p.evaluator.EvaluateTarget(ctx, condition, target, selector.EffectiveMatch(), now, NewConsecutiveCounters())
		if err != nil {
			return PreviewResult{}, err
		}
		result.Results = append(result.Results, PreviewTargetResult{
			TargetKey: target.Key,
			SensorIDs: target.SensorIDs,
			Passed:    eval.Passed,
			Observed:  eval.Observed,
		})
	}
	return result, nil
}
