// Package notifications publishes evaluator output onto the message bus.
// Two SQS queues are used: one carries alarm.update messages listing the
// actions of the alarm's new state, the other carries alarm.state_transition
// history records for downstream consumers.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"alarmeval/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// queuePublisher serializes a payload to JSON and sends it to one queue.
// The event type travels both in the body and as a message attribute so
// consumers can filter without decoding.
type queuePublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

func (p *queuePublisher) send(ctx context.Context, eventType, alarmID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("failed to marshal %s message", eventType), err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
			"alarm_id":   {DataType: aws.String("String"), StringValue: aws.String(alarmID)},
		},
	}
	if requestID := types.GetRequestID(ctx); requestID != "" {
		input.MessageAttributes["request_id"] = sqstypes.MessageAttributeValue{
			DataType: aws.String("String"), StringValue: aws.String(requestID),
		}
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send %s message to %s", eventType, p.queueURL), err)
	}

	p.logger.DebugContext(ctx, "bus message published",
		"event_type", eventType,
		"alarm_id", alarmID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}
