package external

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sony/gobreaker/v2"

	"alarmeval/internal/types"
)

const cloudWatchBreakerName = "cloudwatch-statistics"

// CloudWatchAPI abstracts the CloudWatch GetMetricStatistics operation for
// testability.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// CloudWatchStatistics reads aggregated metric statistics from CloudWatch.
// The rule's Granularity is used as the statistics period.
type CloudWatchStatistics struct {
	client  CloudWatchAPI
	breaker *gobreaker.CircuitBreaker[*cloudwatch.GetMetricStatisticsOutput]
	logger  *slog.Logger
}

// NewCloudWatchStatistics wraps client in a circuit breaker.
func NewCloudWatchStatistics(client CloudWatchAPI, logger *slog.Logger) *CloudWatchStatistics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchStatistics{
		client:  client,
		breaker: newBreaker[*cloudwatch.GetMetricStatisticsOutput](cloudWatchBreakerName, logger),
		logger:  logger,
	}
}

// Statistics implements evaluator.StatisticsSource.
func (c *CloudWatchStatistics) Statistics(ctx context.Context, rule types.ThresholdRule, start, end time.Time) ([]types.Datapoint, error) {
	if rule.Namespace == "" || rule.MetricName == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRule,
			"cloudwatch rule requires namespace and metric_name", nil)
	}

	stat := rule.Statistic
	if stat == "" {
		stat = string(cwtypes.StatisticAverage)
	}
	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(rule.Namespace),
		MetricName: aws.String(rule.MetricName),
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(int32(rule.Granularity)),
		Dimensions: dimensions(rule.Dimensions),
	}
	extended := isExtendedStatistic(stat)
	if extended {
		input.ExtendedStatistics = []string{stat}
	} else {
		input.Statistics = []cwtypes.Statistic{cwtypes.Statistic(stat), cwtypes.StatisticSampleCount}
	}

	out, err := c.breaker.Execute(func() (*cloudwatch.GetMetricStatisticsOutput, error) {
		return c.client.GetMetricStatistics(ctx, input)
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
				"circuit breaker is open; cloudwatch unavailable", err)
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamMetrics,
			fmt.Sprintf("cloudwatch GetMetricStatistics %s/%s failed", rule.Namespace, rule.MetricName), err)
	}

	points := make([]types.Datapoint, 0, len(out.Datapoints))
	for _, dp := range out.Datapoints {
		if dp.Timestamp == nil {
			continue
		}
		value, ok := statisticValue(dp, stat, extended)
		if !ok {
			continue
		}
		points = append(points, types.Datapoint{
			Timestamp:   dp.Timestamp.UTC(),
			Granularity: rule.Granularity,
			Value:       value,
			SampleCount: aws.ToFloat64(dp.SampleCount),
		})
	}
	// CloudWatch does not order its datapoints.
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	c.logger.DebugContext(ctx, "cloudwatch statistics fetched",
		"namespace", rule.Namespace,
		"metric", rule.MetricName,
		"statistic", stat,
		"datapoints", len(points),
	)
	return points, nil
}

func dimensions(m map[string]string) []cwtypes.Dimension {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	dims := make([]cwtypes.Dimension, 0, len(m))
	for _, name := range names {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(name), Value: aws.String(m[name])})
	}
	return dims
}

// isExtendedStatistic reports whether stat is a percentile such as p99 or
// p99.9, which CloudWatch only serves through ExtendedStatistics.
func isExtendedStatistic(stat string) bool {
	if len(stat) < 2 || stat[0] != 'p' {
		return false
	}
	return strings.Trim(stat[1:], "0123456789.") == ""
}

func statisticValue(dp cwtypes.Datapoint, stat string, extended bool) (float64, bool) {
	var v *float64
	if extended {
		if x, ok := dp.ExtendedStatistics[stat]; ok {
			v = aws.Float64(x)
		}
	} else {
		switch cwtypes.Statistic(stat) {
		case cwtypes.StatisticAverage:
			v = dp.Average
		case cwtypes.StatisticSum:
			v = dp.Sum
		case cwtypes.StatisticMinimum:
			v = dp.Minimum
		case cwtypes.StatisticMaximum:
			v = dp.Maximum
		case cwtypes.StatisticSampleCount:
			v = dp.SampleCount
		}
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}
