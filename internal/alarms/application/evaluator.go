package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

// Sample is one telemetry point.
type Sample struct {
	At    time.Time
	Value float64
}

// TelemetryAccessor supplies latest values and historical queries for a
// sensor. Implementations are read-only; the engine never mutates telemetry.
type TelemetryAccessor interface {
	// Latest returns the most recent sample; ok is false when the sensor has
	// never reported.
	Latest(ctx context.Context, sensorID string) (value float64, at time.Time, ok bool, err error)
	// WindowedAggregate computes avg/min/max/stddev over [start, end]; ok is
	// false when the window holds insufficient samples.
	WindowedAggregate(ctx context.Context, sensorID string, start, end time.Time, aggregate string) (value float64, ok bool, err error)
	// BucketedSeries returns bucketed samples over [start, end]. A
	// non-positive interval returns raw samples.
	BucketedSeries(ctx context.Context, sensorID string, start, end time.Time, interval time.Duration, mode string) ([]Sample, error)
}

// Evaluator evaluates condition trees against targets.
type Evaluator struct {
	telemetry TelemetryAccessor
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(telemetry TelemetryAccessor) (*Evaluator, error) {
	if telemetry == nil {
		return nil, errors.New("evaluator: nil telemetry accessor")
	}
	return &Evaluator{telemetry: telemetry}, nil
}

// EvaluateTarget evaluates the condition against a target at time now. For
// aggregate targets the condition is evaluated per member sensor and folded
// per the match mode. Counters holds consecutive-period state and may be nil
// for stateless (preview) evaluation.
func (e *Evaluator) EvaluateTarget(ctx context.Context, cond *alarms.ConditionNode, target alarms.Target, match alarms.MatchMode, now time.Time, counters *ConsecutiveCounters) (alarms.EvalResult, error) {
	if e == nil || e.telemetry == nil {
		return alarms.EvalResult{}, errors.New("evaluator: nil")
	}
	if cond == nil {
		return alarms.EvalResult{}, errors.New("evaluator: nil condition")
	}
	if len(target.SensorIDs) == 0 {
		return alarms.EvalResult{}, nil
	}
	if counters == nil {
		counters = NewConsecutiveCounters()
	}

	if match == alarms.MatchPerSensor || len(target.SensorIDs) == 1 {
		return e.evalNode(ctx, cond, target.SensorIDs[0], "0", now, counters)
	}

	// any/all fold over members. Observed value is the first violating
	// member's value, or the first member's when none violate.
	var first, violating *float64
	passed := match == alarms.MatchAll
	for _, sensorID := range target.SensorIDs {
		result, err := e.evalNode(ctx, cond, sensorID, "0", now, counters)
		if err != nil {
			return alarms.EvalResult{}, err
		}
		if first == nil {
			first = result.Observed
		}
		if result.Passed && violating == nil {
			violating = result.Observed
		}
		switch match {
		case alarms.MatchAny:
			passed = passed || result.Passed
		case alarms.MatchAll:
			passed = passed && result.Passed
		}
	}
	observed := first
	if violating != nil {
		observed = violating
	}
	return alarms.EvalResult{Passed: passed, Observed: observed}, nil
}

func (e *Evaluator) evalNode(ctx context.Context, node *alarms.ConditionNode, sensorID, path string, now time.Time, counters *ConsecutiveCounters) (alarms.EvalResult, error) {
	switch node.Type {
	case alarms.ConditionThreshold:
		return e.evalThreshold(ctx, node, sensorID)
	case alarms.ConditionRange:
		return e.evalRange(ctx, node, sensorID)
	case alarms.ConditionOffline:
		return e.evalOffline(ctx, node, sensorID, now)
	case alarms.ConditionRollingWindow:
		return e.evalRollingWindow(ctx, node, sensorID, now)
	case alarms.ConditionDeviation:
		return e.evalDeviation(ctx, node, sensorID, now)
	case alarms.ConditionConsecutive:
		return e.evalConsecutive(ctx, node, sensorID, path, now, counters)
	case alarms.ConditionAll, alarms.ConditionAny:
		return e.evalCombinator(ctx, node, sensorID, path, now, counters)
	case alarms.ConditionNot:
		child, err := e.evalNode(ctx, node.Child, sensorID, path+".0", now, counters)
		if err != nil {
			return alarms.EvalResult{}, err
		}
		return alarms.EvalResult{Passed: !child.Passed, Observed: child.Observed}, nil
	default:
		return alarms.EvalResult{}, fmt.Errorf("evaluator: unknown condition type %q", node.Type)
	}
}

func (e *Evaluator) evalThreshold(ctx context.Context, node *alarms.ConditionNode, sensorID string) (alarms.EvalResult, error) {
	value, _, ok, err := e.telemetry.Latest(ctx, sensorID)
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if !ok {
		return alarms.EvalResult{}, nil
	}
	return alarms.EvalResult{Passed: node.Op.Compare(value, node.Value), Observed: alarms.Float64(value)}, nil
}

func (e *Evaluator) evalRange(ctx context.Context, node *alarms.ConditionNode, sensorID string) (alarms.EvalResult, error) {
	value, _, ok, err := e.telemetry.Latest(ctx, sensorID)
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if !ok {
		return alarms.EvalResult{}, nil
	}
	inside := value >= node.Low && value <= node.High
	passed := inside
	if node.Mode == alarms.RangeOutside {
		passed = !inside
	}
	return alarms.EvalResult{Passed: passed, Observed: alarms.Float64(value)}, nil
}

func (e *Evaluator) evalOffline(ctx context.Context, node *alarms.ConditionNode, sensorID string, now time.Time) (alarms.EvalResult, error) {
	_, at, ok, err := e.telemetry.Latest(ctx, sensorID)
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if !ok {
		// Never seen: offline by definition.
		return alarms.EvalResult{Passed: true}, nil
	}
	age := now.Sub(at)
	passed := age >= time.Duration(node.MissingForSeconds)*time.Second
	return alarms.EvalResult{Passed: passed, Observed: alarms.Float64(age.Seconds())}, nil
}

func (e *Evaluator) evalRollingWindow(ctx context.Context, node *alarms.ConditionNode, sensorID string, now time.Time) (alarms.EvalResult, error) {
	start := now.Add(-time.Duration(node.WindowSeconds) * time.Second)
	value, ok, err := e.telemetry.WindowedAggregate(ctx, sensorID, start, now, node.Aggregate)
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if !ok {
		// Absence of evidence is not evidence of violation.
		return alarms.EvalResult{}, nil
	}
	return alarms.EvalResult{Passed: node.Op.Compare(value, node.Value), Observed: alarms.Float64(value)}, nil
}

func (e *Evaluator) evalDeviation(ctx context.Context, node *alarms.ConditionNode, sensorID string, now time.Time) (alarms.EvalResult, error) {
	latest, _, ok, err := e.telemetry.Latest(ctx, sensorID)
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if !ok {
		return alarms.EvalResult{}, nil
	}
	start := now.Add(-time.Duration(node.WindowSeconds) * time.Second)
	samples, err := e.telemetry.BucketedSeries(ctx, sensorID, start, now, 0, "")
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if len(samples) == 0 {
		return alarms.EvalResult{}, nil
	}
	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		values = append(values, sample.Value)
	}
	var baseline float64
	if node.Baseline == alarms.BaselineMedian {
		baseline = median(values)
	} else {
		baseline = mean(values)
	}
	deviation := math.Abs(latest - baseline)
	if node.Mode == alarms.DeviationPercent {
		if baseline == 0 {
			// Percent deviation from a zero baseline is undefined.
			return alarms.EvalResult{}, nil
		}
		deviation = deviation / math.Abs(baseline) * 100
	}
	return alarms.EvalResult{Passed: deviation >= node.Value, Observed: alarms.Float64(deviation)}, nil
}

func (e *Evaluator) evalConsecutive(ctx context.Context, node *alarms.ConditionNode, sensorID, path string, now time.Time, counters *ConsecutiveCounters) (alarms.EvalResult, error) {
	key := path + "|" + sensorID
	counter := counters.get(key)

	boundary := true
	var bucket time.Time
	switch node.Period {
	case alarms.PeriodHour:
		bucket = now.UTC().Truncate(time.Hour)
		boundary = counter.LastBucket.IsZero() || bucket.After(counter.LastBucket)
	case alarms.PeriodDay:
		bucket = dayStart(now)
		boundary = counter.LastBucket.IsZero() || bucket.After(counter.LastBucket)
	}

	if !boundary {
		// Between period boundaries the counter is frozen; report the last
		// observed child value.
		return alarms.EvalResult{Passed: counter.Count >= node.Count, Observed: counter.LastObserved}, nil
	}

	child, err := e.evalNode(ctx, node.Child, sensorID, path+".0", now, counters)
	if err != nil {
		return alarms.EvalResult{}, err
	}
	if child.Passed {
		counter.Count++
	} else {
		counter.Count = 0
	}
	counter.LastBucket = bucket
	counter.LastObserved = child.Observed
	counters.put(key, counter)

	return alarms.EvalResult{Passed: counter.Count >= node.Count, Observed: child.Observed}, nil
}

func (e *Evaluator) evalCombinator(ctx context.Context, node *alarms.ConditionNode, sensorID, path string, now time.Time, counters *ConsecutiveCounters) (alarms.EvalResult, error) {
	passed := node.Type == alarms.ConditionAll
	for i, child := range node.Children {
		result, err := e.evalNode(ctx, child, sensorID, fmt.Sprintf("%s.%d", path, i), now, counters)
		if err != nil {
			return alarms.EvalResult{}, err
		}
		if node.Type == alarms.ConditionAll {
			passed = passed && result.Passed
		} else {
			passed = passed || result.Passed
		}
	}
	// Observed value of a combinator is undefined.
	return alarms.EvalResult{Passed: passed}, nil
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
