package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetwatch/internal/alarms/application"
)

const defaultReadingsTable = "sensor_readings"

// TelemetryAccessor is a Postgres implementation of the engine's telemetry
// read interface over the sensor_readings table.
type TelemetryAccessor struct {
	db    *sql.DB
	table string
}

// AccessorOption configures the accessor.
type AccessorOption func(*TelemetryAccessor)

// WithReadingsTable overrides the default readings table name.
func WithReadingsTable(table string) AccessorOption {
	return func(accessor *TelemetryAccessor) {
		if accessor != nil && table != "" {
			accessor.table = table
		}
	}
}

// NewTelemetryAccessor constructs an accessor with the default table name.
func NewTelemetryAccessor(db *sql.DB, opts ...AccessorOption) *TelemetryAccessor {
	accessor := &TelemetryAccessor{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(accessor)
	}
	return accessor
}

// Latest returns the most recent reading for a sensor.
func (a *TelemetryAccessor) Latest(ctx context.Context, sensorID string) (float64, time.Time, bool, error) {
	if a == nil || a.db == nil {
		return 0, time.Time{}, false, errors.New("telemetry accessor: nil db")
	}
	if sensorID == "" {
		return 0, time.Time{}, false, errors.New("telemetry accessor: sensor id required")
	}
	query := fmt.Sprintf(`
SELECT ts, value
FROM %s
WHERE sensor_id = $1
ORDER BY ts DESC
LIMIT 1`, a.table)
	row := a.db.QueryRowContext(ctx, query, sensorID)

	var ts time.Time
	var value sql.NullFloat64
	if err := row.Scan(&ts, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Time{}, false, nil
		}
		return 0, time.Time{}, false, err
	}
	if !value.Valid {
		return 0, time.Time{}, false, nil
	}
	return value.Float64, ts.UTC(), true, nil
}

// WindowedAggregate computes an aggregate over readings in [start, end].
// ok is false when the window holds no samples, or fewer than two for stddev.
func (a *TelemetryAccessor) WindowedAggregate(ctx context.Context, sensorID string, start, end time.Time, aggregate string) (float64, bool, error) {
	if a == nil || a.db == nil {
		return 0, false, errors.New("telemetry accessor: nil db")
	}
	if sensorID == "" || start.IsZero() || end.IsZero() {
		return 0, false, errors.New("telemetry accessor: invalid arguments")
	}

	var expr string
	switch aggregate {
	case "avg":
		expr = "AVG(value)"
	case "min":
		expr = "MIN(value)"
	case "max":
		expr = "MAX(value)"
	case "stddev":
		expr = "STDDEV_SAMP(value)"
	default:
		return 0, false, fmt.Errorf("telemetry accessor: unknown aggregate %q", aggregate)
	}

	query := fmt.Sprintf(`
SELECT %s, COUNT(*)
FROM %s
WHERE sensor_id = $1 AND ts >= $2 AND ts <= $3`, expr, a.table)
	row := a.db.QueryRowContext(ctx, query, sensorID, start, end)

	var value sql.NullFloat64
	var count int
	if err := row.Scan(&value, &count); err != nil {
		return 0, false, err
	}
	if !value.Valid || count == 0 {
		return 0, false, nil
	}
	if aggregate == "stddev" && count < 2 {
		return 0, false, nil
	}
	return value.Float64, true, nil
}

// BucketedSeries returns readings in [start, end] grouped into fixed-width
// buckets. A non-positive interval returns raw samples in timestamp order.
func (a *TelemetryAccessor) BucketedSeries(ctx context.Context, sensorID string, start, end time.Time, interval time.Duration, mode string) ([]application.Sample, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("telemetry accessor: nil db")
	}
	if sensorID == "" || start.IsZero() || end.IsZero() {
		return nil, errors.New("telemetry accessor: invalid arguments")
	}
	if interval <= 0 {
		return a.rawSeries(ctx, sensorID, start, end)
	}

	if mode == "" || mode == application.BucketAuto {
		mode = application.BucketAvg
	}
	if mode == application.BucketLast {
		return a.lastPerBucket(ctx, sensorID, start, end, interval)
	}

	var expr string
	switch mode {
	case application.BucketAvg:
		expr = "AVG(value)"
	case application.BucketSum:
		expr = "SUM(value)"
	case application.BucketMin:
		expr = "MIN(value)"
	case application.BucketMax:
		expr = "MAX(value)"
	default:
		return nil, fmt.Errorf("telemetry accessor: unknown bucket mode %q", mode)
	}

	query := fmt.Sprintf(`
SELECT to_timestamp(floor(extract(epoch FROM ts) / $4) * $4) AS bucket, %s
FROM %s
WHERE sensor_id = $1 AND ts >= $2 AND ts <= $3
GROUP BY bucket
ORDER BY bucket ASC`, expr, a.table)
	return a.scanSamples(ctx, query, sensorID, start, end, interval.Seconds())
}

func (a *TelemetryAccessor) rawSeries(ctx context.Context, sensorID string, start, end time.Time) ([]application.Sample, error) {
	query := fmt.Sprintf(`
SELECT ts, value
FROM %s
WHERE sensor_id = $1 AND ts >= $2 AND ts <= $3
ORDER BY ts ASC`, a.table)
	return a.scanSamples(ctx, query, sensorID, start, end)
}

func (a *TelemetryAccessor) lastPerBucket(ctx context.Context, sensorID string, start, end time.Time, interval time.Duration) ([]application.Sample, error) {
	query := fmt.Sprintf(`
SELECT DISTINCT ON (bucket) bucket, value
FROM (
	SELECT to_timestamp(floor(extract(epoch FROM ts) / $4) * $4) AS bucket, ts, value
	FROM %s
	WHERE sensor_id = $1 AND ts >= $2 AND ts <= $3
) readings
ORDER BY bucket ASC, ts DESC`, a.table)
	return a.scanSamples(ctx, query, sensorID, start, end, interval.Seconds())
}

func (a *TelemetryAccessor) scanSamples(ctx context.Context, query string, args ...any) ([]application.Sample, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []application.Sample
	for rows.Next() {
		var ts time.Time
		var value sql.NullFloat64
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, err
		}
		if !value.Valid {
			continue
		}
		samples = append(samples, application.Sample{At: ts.UTC(), Value: value.Float64})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}
