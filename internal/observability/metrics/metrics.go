package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "fleetwatch_"

// Result labels for rule evaluation metrics.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	ruleEvalTotal   *prometheus.CounterVec
	ruleEvalLatency *prometheus.HistogramVec

	targetsResolved prometheus.Counter

	activeAlarms *prometheus.GaugeVec

	alarmEventsTotal *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ruleEvalTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluations_total",
				Help: "Total rule evaluation passes by result",
			},
			[]string{"result"},
		)
		ruleEvalLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rule_evaluation_latency_seconds",
				Help:    "Rule evaluation pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		targetsResolved = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "targets_resolved_total",
				Help: "Total evaluation targets resolved from selectors",
			},
		)

		activeAlarms = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_alarms",
				Help: "Active alarms per rule",
			},
			[]string{"rule_id"},
		)

		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Total alarm lifecycle events by type",
			},
			[]string{"event"},
		)

		prometheus.MustRegister(
			ruleEvalTotal,
			ruleEvalLatency,
			targetsResolved,
			activeAlarms,
			alarmEventsTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveRuleEval records one rule evaluation pass.
func ObserveRuleEval(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if ruleEvalTotal != nil {
		ruleEvalTotal.WithLabelValues(result).Inc()
	}
	if ruleEvalLatency != nil {
		ruleEvalLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddTargetsResolved increments the resolved target counter by count.
func AddTargetsResolved(count int) {
	if count <= 0 {
		return
	}
	if targetsResolved != nil {
		targetsResolved.Add(float64(count))
	}
}

// SetActiveAlarms sets the active alarm gauge for a rule.
func SetActiveAlarms(ruleID string, count int) {
	if ruleID == "" {
		return
	}
	if count < 0 {
		count = 0
	}
	if activeAlarms != nil {
		activeAlarms.WithLabelValues(ruleID).Set(float64(count))
	}
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}
