package application

import (
	"context"
	"errors"
	"sort"

	alarms "fleetwatch/internal/alarms/domain"
)

// FleetRegistry enumerates sensors by node membership or metadata. An
// unknown node or an empty filter match returns an empty slice, not an
// error; errors signal the registry itself being unreachable.
type FleetRegistry interface {
	SensorsForNode(ctx context.Context, nodeID string, types []string) ([]string, error)
	SensorsMatching(ctx context.Context, provider, metric, sensorType string) ([]string, error)
}

// Resolver turns target selectors into concrete evaluation targets.
// node_sensors and filter selectors resolve against the registry on every
// call, so membership changes take effect without a restart.
type Resolver struct {
	registry FleetRegistry
}

// NewResolver constructs a Resolver.
func NewResolver(registry FleetRegistry) (*Resolver, error) {
	if registry == nil {
		return nil, errors.New("resolver: nil fleet registry")
	}
	return &Resolver{registry: registry}, nil
}

// Resolve expands a selector into targets. Zero targets is a valid outcome
// (nothing matched), not an error.
func (r *Resolver) Resolve(ctx context.Context, selector alarms.TargetSelector) ([]alarms.Target, error) {
	if r == nil || r.registry == nil {
		return nil, errors.New("resolver: nil")
	}
	members, err := r.members(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	if selector.EffectiveMatch() == alarms.MatchPerSensor {
		targets := make([]alarms.Target, 0, len(members))
		for _, id := range members {
			targets = append(targets, alarms.Target{Key: id, SensorIDs: []string{id}})
		}
		return targets, nil
	}

	// any/all collapse to one synthetic aggregate target with a key that is
	// stable across ticks for the same selector.
	return []alarms.Target{{Key: selector.AggregateKey(), SensorIDs: members}}, nil
}

func (r *Resolver) members(ctx context.Context, selector alarms.TargetSelector) ([]string, error) {
	switch selector.Kind {
	case alarms.SelectorSensor:
		return []string{selector.SensorID}, nil
	case alarms.SelectorSensorSet:
		return dedupe(selector.SensorIDs), nil
	case alarms.SelectorNodeSensors:
		ids, err := r.registry.SensorsForNode(ctx, selector.NodeID, selector.Types)
		if err != nil {
			return nil, err
		}
		return dedupe(ids), nil
	case alarms.SelectorFilter:
		ids, err := r.registry.SensorsMatching(ctx, selector.Provider, selector.Metric, selector.SensorType)
		if err != nil {
			return nil, err
		}
		return dedupe(ids), nil
	default:
		return nil, errors.New("resolver: unknown selector kind")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
