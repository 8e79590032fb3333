package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const defaultSensorsTable = "sensors"

// FleetRegistry is a Postgres implementation of sensor membership lookup
// over the fleet's sensors table.
type FleetRegistry struct {
	db    *sql.DB
	table string
}

// RegistryOption configures the registry.
type RegistryOption func(*FleetRegistry)

// WithSensorsTable overrides the default sensors table name.
func WithSensorsTable(table string) RegistryOption {
	return func(registry *FleetRegistry) {
		if registry != nil && table != "" {
			registry.table = table
		}
	}
}

// NewFleetRegistry constructs a registry with the default table name.
func NewFleetRegistry(db *sql.DB, opts ...RegistryOption) *FleetRegistry {
	registry := &FleetRegistry{db: db, table: defaultSensorsTable}
	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

// SensorsForNode returns sensor ids attached to a node, optionally filtered
// by sensor type. An unknown node returns an empty slice.
func (r *FleetRegistry) SensorsForNode(ctx context.Context, nodeID string, types []string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("fleet registry: nil db")
	}
	if nodeID == "" {
		return nil, errors.New("fleet registry: node id required")
	}

	query := fmt.Sprintf(`
SELECT id
FROM %s
WHERE node_id = $1`, r.table)
	args := []any{nodeID}
	if len(types) > 0 {
		query += " AND sensor_type = ANY($2::text[])"
		args = append(args, typeArray(types))
	}
	query += " ORDER BY id ASC"

	return r.scanIDs(ctx, query, args...)
}

// SensorsMatching returns sensor ids matching the metadata filter. Empty
// filter fields match everything.
func (r *FleetRegistry) SensorsMatching(ctx context.Context, provider, metric, sensorType string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("fleet registry: nil db")
	}

	query := fmt.Sprintf(`
SELECT id
FROM %s
WHERE ($1 = '' OR provider = $1)
	AND ($2 = '' OR metric = $2)
	AND ($3 = '' OR sensor_type = $3)
ORDER BY id ASC`, r.table)

	return r.scanIDs(ctx, query, provider, metric, sensorType)
}

func (r *FleetRegistry) scanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// typeArray renders a Postgres text array literal for ANY comparisons.
// Every element is double-quoted so delimiter characters in a sensor type
// cannot corrupt the array syntax.
func typeArray(types []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, t := range types {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(t))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
