package observability

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"alarmeval/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchHeartbeat emits EvaluationCycleCompleted after every cycle. A
// CloudWatch alarm on missing data for this metric detects a stalled
// evaluator fleet.
//
// Metrics emitted:
//   - EvaluationCycleCompleted: Dims {PartitionGroup}, always 1
//   - AlarmsEvaluated: Dims {PartitionGroup}, alarms evaluated in the cycle
type CloudWatchHeartbeat struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchHeartbeat publishes to namespace, or types.MetricNamespace
// when namespace is empty.
func NewCloudWatchHeartbeat(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchHeartbeat {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchHeartbeat{client: client, namespace: namespace, logger: logger}
}

// ObserveCycle publishes the heartbeat. Failures are logged and never
// propagate into the control loop.
func (h *CloudWatchHeartbeat) ObserveCycle(ctx context.Context, stats CycleStats) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimPartitionGroup), Value: aws.String(stats.Group)},
	}
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(h.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricEvaluationCycleCompleted),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String(types.MetricAlarmsEvaluated),
				Value:      aws.Float64(float64(stats.Evaluated)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := h.client.PutMetricData(ctx, input); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish cycle heartbeat",
			"error", err.Error(),
			"group_id", stats.Group,
		)
	}
}
