package types

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var ruleValidator = validator.New()

// ThresholdRule is the rule document shared by all statistics-backed alarm
// types. Backend-specific fields are ignored by backends that do not use them.
type ThresholdRule struct {
	Type               RuleType           `json:"type,omitempty"`
	ComparisonOperator ComparisonOperator `json:"comparison_operator" validate:"required,oneof=lt le eq ne ge gt"`
	Threshold          float64            `json:"threshold"`
	EvaluationPeriods  int                `json:"evaluation_periods" validate:"gte=1"`
	Granularity        int                `json:"granularity" validate:"gte=1"`
	Period             int                `json:"period,omitempty" validate:"gte=0"`
	ExcludeOutliers    bool               `json:"exclude_outliers,omitempty"`

	// CloudWatch
	Namespace  string            `json:"namespace,omitempty"`
	MetricName string            `json:"metric_name,omitempty"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Statistic  string            `json:"statistic,omitempty"`

	// Prometheus
	Query string `json:"query,omitempty"`
}

// EventCondition is a single typed comparison against an event field.
// Fields prefixed with "traits." address the event's traits.
type EventCondition struct {
	Field string    `json:"field" validate:"required"`
	Op    string    `json:"op,omitempty" validate:"omitempty,oneof=eq ne gt ge lt le"`
	Value string    `json:"value"`
	Type  TraitType `json:"type,omitempty"`
}

// EventRule matches streamed events by type pattern and conditions.
type EventRule struct {
	EventType string           `json:"event_type"`
	Query     []EventCondition `json:"query" validate:"dive"`
}

// DecodeThresholdRule decodes and validates a threshold rule document.
func DecodeThresholdRule(raw json.RawMessage) (ThresholdRule, error) {
	var r ThresholdRule
	if err := json.Unmarshal(raw, &r); err != nil {
		return ThresholdRule{}, NewAppError(ErrCodeValidationInvalidRule, "malformed threshold rule", err)
	}
	if err := ruleValidator.Struct(r); err != nil {
		return ThresholdRule{}, NewAppError(ErrCodeValidationInvalidRule, fmt.Sprintf("invalid threshold rule: %v", err), err)
	}
	return r, nil
}

// DecodeEventRule decodes an event rule document. An empty event type
// pattern defaults to "*".
func DecodeEventRule(raw json.RawMessage) (EventRule, error) {
	var r EventRule
	if err := json.Unmarshal(raw, &r); err != nil {
		return EventRule{}, NewAppError(ErrCodeValidationInvalidRule, "malformed event rule", err)
	}
	if err := ruleValidator.Struct(r); err != nil {
		return EventRule{}, NewAppError(ErrCodeValidationInvalidRule, fmt.Sprintf("invalid event rule: %v", err), err)
	}
	if r.EventType == "" {
		r.EventType = "*"
	}
	return r, nil
}
