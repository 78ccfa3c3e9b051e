package evaluator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"alarmeval/internal/types"
)

// lookBack is the number of extra periods queried so that late-arriving
// datapoints still fill the evaluation window.
const lookBack = 1

// RuleResult is the outcome of evaluating one threshold rule.
//
// Exactly one of the following holds:
//   - Insufficient: fewer datapoints than evaluation_periods survived
//     sanitizing; State is insufficient data and Reason describes it.
//   - State is ok or alarm: every compared datapoint agreed.
//   - State is empty and Trending is set: the datapoints disagreed and the
//     most recent one points towards Trending.
type RuleResult struct {
	State        types.AlarmState
	Trending     types.AlarmState
	Statistics   []float64
	OutsideCount int
	Insufficient bool
	Reason       string
}

// RuleEvaluator evaluates a single threshold rule without touching any
// alarm. The composite evaluator drives its leaves through it.
type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, rule types.ThresholdRule) (RuleResult, error)
}

// ThresholdConfig configures a ThresholdEvaluator.
type ThresholdConfig struct {
	Source StatisticsSource
	// IngestionLag widens the query window to absorb metric ingestion delay.
	IngestionLag time.Duration
}

// ThresholdEvaluator compares recent statistics of one metric backend
// against a fixed threshold.
type ThresholdEvaluator struct {
	*Base
	source       StatisticsSource
	ingestionLag time.Duration
}

// NewThresholdEvaluator creates a ThresholdEvaluator over the given backend.
func NewThresholdEvaluator(base *Base, cfg ThresholdConfig) *ThresholdEvaluator {
	return &ThresholdEvaluator{
		Base:         base,
		source:       cfg.Source,
		ingestionLag: cfg.IngestionLag,
	}
}

// BoundDuration returns the query window of rule ending at now.
func (e *ThresholdEvaluator) BoundDuration(rule types.ThresholdRule, now time.Time) (time.Time, time.Time) {
	step := rule.Period
	if step <= 0 {
		step = rule.Granularity
	}
	window := time.Duration(step*(rule.EvaluationPeriods+lookBack))*time.Second + e.ingestionLag
	return now.Add(-window), now
}

// EvaluateRule fetches and interprets the statistics of rule. The error is
// reserved for backend failures; missing data is reported in the result.
func (e *ThresholdEvaluator) EvaluateRule(ctx context.Context, rule types.ThresholdRule) (RuleResult, error) {
	start, end := e.BoundDuration(rule, e.Now())
	points, err := e.source.Statistics(ctx, rule, start, end)
	if err != nil {
		return RuleResult{}, fmt.Errorf("fetching statistics: %w", err)
	}

	values := sanitize(rule, points)
	if len(values) < rule.EvaluationPeriods {
		return RuleResult{
			State:        types.AlarmStateInsufficientData,
			Statistics:   values,
			Insufficient: true,
			Reason:       fmt.Sprintf("%d datapoints are unknown", rule.EvaluationPeriods),
		}, nil
	}

	outside := 0
	lastOutside := false
	for _, v := range values {
		lastOutside = rule.ComparisonOperator.Compare(v, rule.Threshold)
		if lastOutside {
			outside++
		}
		e.logger.DebugContext(ctx, "compared datapoint",
			"value", v,
			"operator", string(rule.ComparisonOperator),
			"threshold", rule.Threshold,
			"outside", lastOutside,
		)
	}

	res := RuleResult{Statistics: values, OutsideCount: outside}
	switch {
	case outside == len(values):
		res.State = types.AlarmStateAlarm
	case outside == 0:
		res.State = types.AlarmStateOK
	case lastOutside:
		res.Trending = types.AlarmStateAlarm
	default:
		res.Trending = types.AlarmStateOK
	}
	return res, nil
}

// Evaluate evaluates a threshold alarm and refreshes its state.
func (e *ThresholdEvaluator) Evaluate(ctx context.Context, alarm *types.Alarm) error {
	if !e.InTimeConstraint(ctx, alarm) {
		return nil
	}
	rule, err := types.DecodeThresholdRule(alarm.Rule)
	if err != nil {
		return err
	}
	res, err := e.EvaluateRule(ctx, rule)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamMetrics,
			fmt.Sprintf("alarm %s left unchanged", alarm.AlarmID), err)
	}
	e.transition(ctx, alarm, rule, res)
	return nil
}

// transition applies res to alarm. A trending result wins when the alarm is
// unknown or repeats its actions, so repeat actions still fire without a
// definitive verdict.
func (e *ThresholdEvaluator) transition(ctx context.Context, alarm *types.Alarm, rule types.ThresholdRule, res RuleResult) {
	unknown := alarm.State == types.AlarmStateInsufficientData
	continuous := alarm.RepeatActions

	if res.Trending != "" && (unknown || continuous) {
		state := alarm.State
		if unknown {
			state = res.Trending
		}
		reason, data := thresholdReason(alarm, res.Statistics, state, res.OutsideCount)
		e.Refresh(ctx, alarm, state, reason, data, false)
		return
	}

	switch {
	// An alarm already in insufficient data only re-notifies when it repeats
	// its actions.
	case res.Insufficient && (!unknown || continuous):
		e.logger.WarnContext(ctx, "not enough datapoints",
			"alarm_id", alarm.AlarmID,
			"expected", rule.EvaluationPeriods,
			"actual", len(res.Statistics),
		)
		var last any
		if n := len(res.Statistics); n > 0 {
			last = res.Statistics[n-1]
		}
		e.Refresh(ctx, alarm, types.AlarmStateInsufficientData, res.Reason,
			thresholdReasonData("unknown", rule.EvaluationPeriods, last), false)

	case !res.Insufficient && res.State != "" && (alarm.State != res.State || continuous):
		reason, data := thresholdReason(alarm, res.Statistics, res.State, res.OutsideCount)
		e.Refresh(ctx, alarm, res.State, reason, data, false)
	}
}

func thresholdReasonData(disposition string, count int, mostRecent any) map[string]any {
	return map[string]any{
		"type":        "threshold",
		"disposition": disposition,
		"count":       count,
		"most_recent": mostRecent,
	}
}

func thresholdReason(alarm *types.Alarm, values []float64, state types.AlarmState, outside int) (string, map[string]any) {
	disposition, count := "outside", outside
	if state == types.AlarmStateOK {
		disposition, count = "inside", len(values)-outside
	}
	var last any
	lastText := "None"
	if n := len(values); n > 0 {
		last = values[n-1]
		lastText = formatValue(values[n-1])
	}
	verb := "Remaining as"
	if alarm.State != state {
		verb = "Transition to"
	}
	reason := fmt.Sprintf("%s %s due to %d samples %s threshold, most recent: %s",
		verb, state, count, disposition, lastText)
	return reason, thresholdReasonData(disposition, count, last)
}

// formatValue renders a float the way operators expect in reasons: always
// with a fractional part ("85.0", "0.25").
func formatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if math.Trunc(v) == v && !math.IsInf(v, 0) {
		s += ".0"
	}
	return s
}

// sanitize keeps the datapoints of the rule's granularity, drops sample
// count outliers when asked, and returns the values of the most recent
// evaluation_periods points.
func sanitize(rule types.ThresholdRule, points []types.Datapoint) []float64 {
	kept := make([]types.Datapoint, 0, len(points))
	for _, p := range points {
		if p.Granularity == rule.Granularity {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	if rule.ExcludeOutliers {
		kept = excludeOutliers(kept)
	}
	if n := rule.EvaluationPeriods; n > 0 && len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	values := make([]float64, len(kept))
	for i, p := range kept {
		values[i] = p.Value
	}
	return values
}

// excludeOutliers drops points whose sample count lies outside two
// standard deviations of the mean sample count.
func excludeOutliers(points []types.Datapoint) []types.Datapoint {
	if len(points) == 0 {
		return points
	}
	var sum float64
	for _, p := range points {
		sum += p.SampleCount
	}
	mean := sum / float64(len(points))
	var sq float64
	for _, p := range points {
		d := p.SampleCount - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(points)))
	lower, upper := mean-2*stddev, mean+2*stddev

	inliers := make([]types.Datapoint, 0, len(points))
	for _, p := range points {
		if p.SampleCount >= lower && p.SampleCount <= upper {
			inliers = append(inliers, p)
		}
	}
	return inliers
}
