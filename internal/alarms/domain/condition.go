package alarms

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxConditionDepth bounds condition nesting; deeper trees are rejected at
// validation time so evaluation recursion is statically bounded.
const MaxConditionDepth = 8

// Op is a comparison operator.
type Op string

const (
	OpLess           Op = "lt"
	OpLessOrEqual    Op = "lte"
	OpGreater        Op = "gt"
	OpGreaterOrEqual Op = "gte"
	OpEqual          Op = "eq"
	OpNotEqual       Op = "neq"
)

// Valid returns true when the operator is supported.
func (o Op) Valid() bool {
	switch o {
	case OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual, OpEqual, OpNotEqual:
		return true
	default:
		return false
	}
}

// Compare applies the operator. eq/neq are exact floating comparisons with no
// epsilon; changing that would change which alarms fire for existing rules.
func (o Op) Compare(value, threshold float64) bool {
	switch o {
	case OpLess:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpGreater:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// ConditionType discriminates the condition union.
type ConditionType string

const (
	ConditionThreshold     ConditionType = "threshold"
	ConditionRange         ConditionType = "range"
	ConditionOffline       ConditionType = "offline"
	ConditionRollingWindow ConditionType = "rolling_window"
	ConditionDeviation     ConditionType = "deviation"
	ConditionConsecutive   ConditionType = "consecutive_periods"
	ConditionAll           ConditionType = "all"
	ConditionAny           ConditionType = "any"
	ConditionNot           ConditionType = "not"
)

// Range modes.
const (
	RangeInside  = "inside"
	RangeOutside = "outside"
)

// Window aggregates.
const (
	AggregateAvg    = "avg"
	AggregateMin    = "min"
	AggregateMax    = "max"
	AggregateStddev = "stddev"
)

// Deviation baselines and modes.
const (
	BaselineMean   = "mean"
	BaselineMedian = "median"

	DeviationPercent  = "percent"
	DeviationAbsolute = "absolute"
)

// Consecutive period kinds.
const (
	PeriodEval = "eval"
	PeriodHour = "hour"
	PeriodDay  = "day"
)

// ConditionNode is one node of the recursive condition tree. The populated
// fields depend on Type; Validate enforces the per-type contract and the
// nesting bound.
type ConditionNode struct {
	Type ConditionType `json:"type"`

	// threshold, rolling_window
	Op    Op      `json:"op,omitempty"`
	Value float64 `json:"value,omitempty"`

	// range
	Mode string  `json:"mode,omitempty"`
	Low  float64 `json:"low,omitempty"`
	High float64 `json:"high,omitempty"`

	// offline
	MissingForSeconds int `json:"missing_for_seconds,omitempty"`

	// rolling_window, deviation
	WindowSeconds int    `json:"window_seconds,omitempty"`
	Aggregate     string `json:"aggregate,omitempty"`
	Baseline      string `json:"baseline,omitempty"`

	// consecutive_periods
	Period string `json:"period,omitempty"`
	Count  int    `json:"count,omitempty"`

	// not, consecutive_periods
	Child *ConditionNode `json:"child,omitempty"`

	// all, any
	Children []*ConditionNode `json:"children,omitempty"`
}

// Validate checks the condition tree against the closed shape set.
func (c *ConditionNode) Validate() error {
	return c.validate(1)
}

func (c *ConditionNode) validate(depth int) error {
	if c == nil {
		return newValidationError("condition: nil node")
	}
	if depth > MaxConditionDepth {
		return newValidationError(fmt.Sprintf("condition: nesting exceeds depth %d", MaxConditionDepth))
	}
	switch c.Type {
	case ConditionThreshold:
		if !c.Op.Valid() {
			return newValidationError(fmt.Sprintf("condition: threshold has invalid op %q", c.Op))
		}
	case ConditionRange:
		if c.Mode != RangeInside && c.Mode != RangeOutside {
			return newValidationError(fmt.Sprintf("condition: range has invalid mode %q", c.Mode))
		}
		if c.Low > c.High {
			return newValidationError("condition: range low exceeds high")
		}
	case ConditionOffline:
		if c.MissingForSeconds < 0 {
			return newValidationError("condition: offline missing_for_seconds must be >= 0")
		}
	case ConditionRollingWindow:
		if c.WindowSeconds <= 0 {
			return newValidationError("condition: rolling_window window_seconds must be > 0")
		}
		if !validAggregate(c.Aggregate) {
			return newValidationError(fmt.Sprintf("condition: rolling_window has invalid aggregate %q", c.Aggregate))
		}
		if !c.Op.Valid() {
			return newValidationError(fmt.Sprintf("condition: rolling_window has invalid op %q", c.Op))
		}
	case ConditionDeviation:
		if c.WindowSeconds <= 0 {
			return newValidationError("condition: deviation window_seconds must be > 0")
		}
		if c.Baseline != BaselineMean && c.Baseline != BaselineMedian {
			return newValidationError(fmt.Sprintf("condition: deviation has invalid baseline %q", c.Baseline))
		}
		if c.Mode != DeviationPercent && c.Mode != DeviationAbsolute {
			return newValidationError(fmt.Sprintf("condition: deviation has invalid mode %q", c.Mode))
		}
		if c.Value < 0 {
			return newValidationError("condition: deviation value must be >= 0")
		}
	case ConditionConsecutive:
		if c.Period != PeriodEval && c.Period != PeriodHour && c.Period != PeriodDay {
			return newValidationError(fmt.Sprintf("condition: consecutive_periods has invalid period %q", c.Period))
		}
		if c.Count < 1 {
			return newValidationError("condition: consecutive_periods count must be >= 1")
		}
		if c.Child == nil {
			return newValidationError("condition: consecutive_periods requires child")
		}
		return c.Child.validate(depth + 1)
	case ConditionAll, ConditionAny:
		if len(c.Children) == 0 {
			return newValidationError(fmt.Sprintf("condition: %s requires children", c.Type))
		}
		for _, child := range c.Children {
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
	case ConditionNot:
		if c.Child == nil {
			return newValidationError("condition: not requires child")
		}
		return c.Child.validate(depth + 1)
	default:
		return newValidationError(fmt.Sprintf("condition: unknown type %q", c.Type))
	}
	return nil
}

func validAggregate(value string) bool {
	switch value {
	case AggregateAvg, AggregateMin, AggregateMax, AggregateStddev:
		return true
	default:
		return false
	}
}

// ParseCondition decodes the raw JSON form of a condition into the canonical
// typed AST, rejecting unknown fields and shapes outside the closed set.
func ParseCondition(raw []byte) (*ConditionNode, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var node ConditionNode
	if err := decoder.Decode(&node); err != nil {
		return nil, newValidationError("condition: " + err.Error())
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return &node, nil
}

// ParseSelector decodes the raw JSON form of a target selector, rejecting
// unknown fields.
func ParseSelector(raw []byte) (TargetSelector, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var selector TargetSelector
	if err := decoder.Decode(&selector); err != nil {
		return TargetSelector{}, newValidationError("selector: " + err.Error())
	}
	if err := selector.Validate(); err != nil {
		return TargetSelector{}, err
	}
	return selector, nil
}
