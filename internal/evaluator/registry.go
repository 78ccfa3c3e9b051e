package evaluator

import (
	"time"

	"alarmeval/internal/types"
)

// RegistryConfig lists the collaborators the periodic evaluators need.
// A nil statistics source leaves its threshold type unregistered.
type RegistryConfig struct {
	CloudWatch   StatisticsSource
	Prometheus   StatisticsSource
	IngestionLag time.Duration
}

// Registry maps rule types to the evaluator driving them. It is built once
// at startup and read-only afterwards.
type Registry map[types.RuleType]Evaluator

// NewRegistry builds the evaluators of every periodically evaluated rule
// type. Composite leaves use the same threshold evaluators as top-level
// threshold alarms. Event alarms are driven by the event stream and are not
// part of the registry.
func NewRegistry(base *Base, cfg RegistryConfig) Registry {
	reg := make(Registry)
	leaves := make(map[types.RuleType]RuleEvaluator)

	for ruleType, src := range map[types.RuleType]StatisticsSource{
		types.RuleTypeCloudWatchThreshold: cfg.CloudWatch,
		types.RuleTypePrometheusThreshold: cfg.Prometheus,
	} {
		if src == nil {
			continue
		}
		te := NewThresholdEvaluator(base, ThresholdConfig{Source: src, IngestionLag: cfg.IngestionLag})
		reg[ruleType] = te
		leaves[ruleType] = te
	}
	reg[types.RuleTypeComposite] = NewCompositeEvaluator(base, leaves)
	return reg
}

// Lookup returns the evaluator of ruleType.
func (r Registry) Lookup(ruleType types.RuleType) (Evaluator, bool) {
	ev, ok := r[ruleType]
	return ev, ok
}
