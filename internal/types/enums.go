package types

// AlarmState is the evaluated state of an alarm.
type AlarmState string

const (
	AlarmStateOK               AlarmState = "ok"
	AlarmStateAlarm            AlarmState = "alarm"
	AlarmStateInsufficientData AlarmState = "insufficient data"
)

// Valid reports whether s is one of the three terminal states.
func (s AlarmState) Valid() bool {
	switch s {
	case AlarmStateOK, AlarmStateAlarm, AlarmStateInsufficientData:
		return true
	default:
		return false
	}
}

// RuleType selects the evaluator that handles an alarm.
type RuleType string

const (
	RuleTypeCloudWatchThreshold RuleType = "cloudwatch_threshold"
	RuleTypePrometheusThreshold RuleType = "prometheus_threshold"
	RuleTypeComposite           RuleType = "composite"
	RuleTypeEvent               RuleType = "event"
)

// IsThreshold reports whether rules of this type are evaluated against a
// statistics backend. Only threshold rules may appear as composite leaves.
func (t RuleType) IsThreshold() bool {
	return t == RuleTypeCloudWatchThreshold || t == RuleTypePrometheusThreshold
}

// ComparisonOperator compares a datapoint value against a threshold.
type ComparisonOperator string

const (
	OpLessThan      ComparisonOperator = "lt"
	OpLessThanEq    ComparisonOperator = "le"
	OpEqual         ComparisonOperator = "eq"
	OpNotEqual      ComparisonOperator = "ne"
	OpGreaterThanEq ComparisonOperator = "ge"
	OpGreaterThan   ComparisonOperator = "gt"
)

// Compare applies the operator to (value, limit). Unknown operators never match.
func (op ComparisonOperator) Compare(value, limit float64) bool {
	switch op {
	case OpLessThan:
		return value < limit
	case OpLessThanEq:
		return value <= limit
	case OpEqual:
		return value == limit
	case OpNotEqual:
		return value != limit
	case OpGreaterThanEq:
		return value >= limit
	case OpGreaterThan:
		return value > limit
	default:
		return false
	}
}

// AlarmChangeType classifies an alarm history record.
type AlarmChangeType string

const (
	ChangeCreation        AlarmChangeType = "creation"
	ChangeRuleChange      AlarmChangeType = "rule change"
	ChangeStateTransition AlarmChangeType = "state transition"
	ChangeDeletion        AlarmChangeType = "deletion"
)

// TraitType declares how an event trait or query value is interpreted.
type TraitType string

const (
	TraitString   TraitType = "string"
	TraitInteger  TraitType = "integer"
	TraitFloat    TraitType = "float"
	TraitDatetime TraitType = "datetime"
)

// Bus event types published by the evaluators.
const (
	EventAlarmUpdate          = "alarm.update"
	EventAlarmStateTransition = "alarm.state_transition"
)
