package application

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	alarms "fleetwatch/internal/alarms/domain"
)

// DefaultStatsMinSamples is the minimum sample count below which threshold
// suggestion bands are withheld rather than estimated.
const DefaultStatsMinSamples = 12

// Bucket aggregation modes for stats queries.
const (
	BucketAuto = "auto"
	BucketAvg  = "avg"
	BucketLast = "last"
	BucketSum  = "sum"
	BucketMin  = "min"
	BucketMax  = "max"
)

// madScale converts MAD to a stddev-comparable spread under normality.
const madScale = 1.4826

// StatsRequest describes a historical stats query for threshold tuning.
type StatsRequest struct {
	Selector        alarms.TargetSelector `json:"target_selector"`
	Start           time.Time             `json:"start"`
	End             time.Time             `json:"end"`
	IntervalSeconds int                   `json:"interval_seconds"`
	Mode            string                `json:"bucket_aggregation_mode,omitempty"`
}

// BandSet is a symmetric set of suggested threshold bands around a center.
type BandSet struct {
	Lower1 float64 `json:"lower_1"`
	Upper1 float64 `json:"upper_1"`
	Lower2 float64 `json:"lower_2"`
	Upper2 float64 `json:"upper_2"`
	Lower3 float64 `json:"lower_3"`
	Upper3 float64 `json:"upper_3"`
}

// SensorStats is the per-sensor descriptive statistics block.
type SensorStats struct {
	SensorID    string              `json:"sensor_id"`
	Count       int                 `json:"count"`
	Min         float64             `json:"min"`
	Max         float64             `json:"max"`
	Mean        float64             `json:"mean"`
	Median      float64             `json:"median"`
	Stddev      float64             `json:"stddev"`
	Percentiles map[string]float64  `json:"percentiles"`
	MAD         float64             `json:"mad"`
	IQR         float64             `json:"iqr"`
	CoveragePct float64             `json:"coverage_pct"`
	MissingPct  float64             `json:"missing_pct"`
	// Classic is mean +/- 1/2/3 stddev; Robust is median +/- 1/2/3 scaled
	// MAD. Nil when the sample count is below the configured minimum.
	Classic *BandSet `json:"classic,omitempty"`
	Robust  *BandSet `json:"robust,omitempty"`
}

// StatsResult is the outcome of a stats query over a resolved selector.
type StatsResult struct {
	TargetsEvaluated int           `json:"targets_evaluated"`
	Sensors          []SensorStats `json:"sensors"`
}

var statsPercentiles = []float64{1, 5, 25, 75, 95, 99}

// StatsEngine computes descriptive statistics and threshold suggestion bands
// over historical telemetry.
type StatsEngine struct {
	resolver   *Resolver
	telemetry  TelemetryAccessor
	minSamples int
}

// StatsOption customizes the stats engine.
type StatsOption func(*StatsEngine)

// WithStatsMinSamples overrides the band minimum sample count.
func WithStatsMinSamples(n int) StatsOption {
	return func(e *StatsEngine) {
		if n > 0 {
			e.minSamples = n
		}
	}
}

// NewStatsEngine constructs a stats engine.
func NewStatsEngine(resolver *Resolver, telemetry TelemetryAccessor, opts ...StatsOption) (*StatsEngine, error) {
	if resolver == nil {
		return nil, errors.New("stats engine: nil resolver")
	}
	if telemetry == nil {
		return nil, errors.New("stats engine: nil telemetry accessor")
	}
	engine := &StatsEngine{resolver: resolver, telemetry: telemetry, minSamples: DefaultStatsMinSamples}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Compute resolves the selector and computes per-sensor statistics over the
// requested window.
func (e *StatsEngine) Compute(ctx context.Context, req StatsRequest) (StatsResult, error) {
	if e == nil {
		return StatsResult{}, errors.New("stats engine: nil")
	}
	if err := req.Selector.Validate(); err != nil {
		return StatsResult{}, err
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return StatsResult{}, alarms.NewValidationError("stats: end must be after start")
	}
	if req.IntervalSeconds <= 0 {
		return StatsResult{}, alarms.NewValidationError("stats: interval_seconds must be > 0")
	}
	mode := req.Mode
	if mode == "" {
		mode = BucketAuto
	}
	if !validBucketMode(mode) {
		return StatsResult{}, alarms.NewValidationError("stats: unknown bucket aggregation mode " + mode)
	}

	targets, err := e.resolver.Resolve(ctx, req.Selector)
	if err != nil {
		return StatsResult{}, err
	}

	interval := time.Duration(req.IntervalSeconds) * time.Second
	result := StatsResult{TargetsEvaluated: len(targets)}
	for _, sensorID := range uniqueSensors(targets) {
		samples, err := e.telemetry.BucketedSeries(ctx, sensorID, req.Start, req.End, interval, mode)
		if err != nil {
			return StatsResult{}, err
		}
		result.Sensors = append(result.Sensors, e.describe(sensorID, samples, req.Start, req.End, interval))
	}
	return result, nil
}

func (e *StatsEngine) describe(sensorID string, samples []Sample, start, end time.Time, interval time.Duration) SensorStats {
	stats := SensorStats{SensorID: sensorID, Count: len(samples), Percentiles: make(map[string]float64)}

	expected := int(end.Sub(start) / interval)
	if expected > 0 {
		coverage := float64(len(samples)) / float64(expected) * 100
		if coverage > 100 {
			coverage = 100
		}
		stats.CoveragePct = roundTo(coverage, 2)
		stats.MissingPct = roundTo(100-coverage, 2)
	}
	if len(samples) == 0 {
		return stats
	}

	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		values = append(values, sample.Value)
	}
	sort.Float64s(values)

	stats.Min = values[0]
	stats.Max = values[len(values)-1]
	stats.Mean = mean(values)
	stats.Median = median(values)
	stats.Stddev = stddev(values, stats.Mean)
	stats.MAD = mad(values, stats.Median)
	for _, p := range statsPercentiles {
		stats.Percentiles[percentileKey(p)] = percentile(values, p)
	}
	stats.IQR = percentile(values, 75) - percentile(values, 25)

	if len(values) >= e.minSamples {
		stats.Classic = bands(stats.Mean, stats.Stddev)
		stats.Robust = bands(stats.Median, stats.MAD*madScale)
	}
	return stats
}

func bands(center, spread float64) *BandSet {
	return &BandSet{
		Lower1: center - spread,
		Upper1: center + spread,
		Lower2: center - 2*spread,
		Upper2: center + 2*spread,
		Lower3: center - 3*spread,
		Upper3: center + 3*spread,
	}
}

func uniqueSensors(targets []alarms.Target) []string {
	var all []string
	for _, target := range targets {
		all = append(all, target.SensorIDs...)
	}
	return dedupe(all)
}

func validBucketMode(mode string) bool {
	switch mode {
	case BucketAuto, BucketAvg, BucketLast, BucketSum, BucketMin, BucketMax:
		return true
	default:
		return false
	}
}

// percentile interpolates linearly over sorted values; p is in [0, 100].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	low := int(math.Floor(rank))
	high := int(math.Ceil(rank))
	if low == high {
		return sorted[low]
	}
	frac := rank - float64(low)
	return sorted[low]*(1-frac) + sorted[high]*frac
}

func stddev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func mad(values []float64, median_ float64) float64 {
	deviations := make([]float64, 0, len(values))
	for _, v := range values {
		deviations = append(deviations, math.Abs(v-median_))
	}
	sort.Float64s(deviations)
	return median(deviations)
}

func percentileKey(p float64) string {
	switch p {
	case 1:
		return "p1"
	case 5:
		return "p5"
	case 25:
		return "p25"
	case 75:
		return "p75"
	case 95:
		return "p95"
	case 99:
		return "p99"
	default:
		return "p"
	}
}

func roundTo(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}
