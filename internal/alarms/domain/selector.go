package alarms

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SelectorKind discriminates the target selector union.
type SelectorKind string

const (
	SelectorSensor      SelectorKind = "sensor"
	SelectorSensorSet   SelectorKind = "sensor_set"
	SelectorNodeSensors SelectorKind = "node_sensors"
	SelectorFilter      SelectorKind = "filter"
)

// MatchMode controls how a multi-sensor selection maps to targets.
type MatchMode string

const (
	// MatchPerSensor yields one independent target per resolved sensor.
	MatchPerSensor MatchMode = "per_sensor"
	// MatchAny yields one aggregate target, true when any member passes.
	MatchAny MatchMode = "any"
	// MatchAll yields one aggregate target, true when all members pass.
	MatchAll MatchMode = "all"
)

// Valid returns true when the match mode is supported.
func (m MatchMode) Valid() bool {
	switch m {
	case MatchPerSensor, MatchAny, MatchAll:
		return true
	default:
		return false
	}
}

// TargetSelector names the sensors a rule applies to. The populated fields
// depend on Kind; Validate enforces the per-kind contract.
type TargetSelector struct {
	Kind SelectorKind `json:"kind"`

	// sensor
	SensorID string `json:"sensor_id,omitempty"`

	// sensor_set
	SensorIDs []string `json:"sensor_ids,omitempty"`

	// node_sensors
	NodeID string   `json:"node_id,omitempty"`
	Types  []string `json:"types,omitempty"`

	// filter; absent fields are wildcards, present fields are ANDed.
	Provider   string `json:"provider,omitempty"`
	Metric     string `json:"metric,omitempty"`
	SensorType string `json:"sensor_type,omitempty"`

	Match MatchMode `json:"match,omitempty"`
}

// EffectiveMatch returns the match mode, defaulting to per_sensor.
func (s TargetSelector) EffectiveMatch() MatchMode {
	if s.Match == "" {
		return MatchPerSensor
	}
	return s.Match
}

// Validate checks the selector names its required fields.
func (s TargetSelector) Validate() error {
	if s.Match != "" && !s.Match.Valid() {
		return newValidationError(fmt.Sprintf("selector: invalid match mode %q", s.Match))
	}
	switch s.Kind {
	case SelectorSensor:
		if s.SensorID == "" {
			return newValidationError("selector: sensor requires sensor_id")
		}
	case SelectorSensorSet:
		if len(s.SensorIDs) == 0 {
			return newValidationError("selector: sensor_set requires non-empty sensor_ids")
		}
		for _, id := range s.SensorIDs {
			if id == "" {
				return newValidationError("selector: sensor_set contains empty sensor id")
			}
		}
	case SelectorNodeSensors:
		if s.NodeID == "" {
			return newValidationError("selector: node_sensors requires node_id")
		}
	case SelectorFilter:
		if s.Provider == "" && s.Metric == "" && s.SensorType == "" {
			return newValidationError("selector: filter requires at least one of provider/metric/sensor_type")
		}
	default:
		return newValidationError(fmt.Sprintf("selector: unknown kind %q", s.Kind))
	}
	return nil
}

// AggregateKey derives a stable key for the single synthetic target of an
// any/all selector. Two rules with the same selector share the key.
func (s TargetSelector) AggregateKey() string {
	parts := []string{string(s.Kind), string(s.EffectiveMatch()), s.SensorID, s.NodeID, s.Provider, s.Metric, s.SensorType}
	ids := append([]string(nil), s.SensorIDs...)
	sort.Strings(ids)
	parts = append(parts, ids...)
	types := append([]string(nil), s.Types...)
	sort.Strings(types)
	parts = append(parts, types...)
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "agg-" + hex.EncodeToString(sum[:8])
}
