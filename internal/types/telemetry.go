package types

// CloudWatch telemetry emitted by the evaluator fleet.
const (
	MetricEvaluationCycleCompleted = "EvaluationCycleCompleted"
	MetricAlarmsEvaluated          = "AlarmsEvaluated"

	DimPartitionGroup = "PartitionGroup"

	// MetricNamespace is the default namespace; deployments override it
	// through configuration.
	MetricNamespace = "AlarmEvaluator"
)
