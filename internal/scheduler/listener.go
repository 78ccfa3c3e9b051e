package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"alarmeval/internal/evaluator"
	"alarmeval/internal/types"
)

// SQSConsumer abstracts the SQS operations of the event listener.
type SQSConsumer interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// EventEvaluator evaluates a batch of raw events. *evaluator.EventEvaluator
// implements it.
type EventEvaluator interface {
	EvaluateEvents(ctx context.Context, events []json.RawMessage) error
}

// EventMetrics counts consumed messages.
type EventMetrics interface {
	ObserveEvents(result string, n int)
}

// Event message results.
const (
	EventResultProcessed = "processed"
	EventResultInvalid   = "invalid"
	EventResultFailed    = "failed"
)

// ListenerConfig configures an EventListener.
type ListenerConfig struct {
	Client    SQSConsumer
	QueueURL  string
	Evaluator EventEvaluator
	// MaxMessages per receive, 1-10. Defaults to 10.
	MaxMessages int32
	// WaitTime is the long-poll duration in seconds, 0-20. Defaults to 20.
	WaitTime int32
	// ErrorBackoff is the pause after a failed receive. Defaults to 5s.
	ErrorBackoff time.Duration
	Metrics      EventMetrics
	Logger       *slog.Logger
}

// EventListener long-polls the event queue and feeds each message to the
// event evaluator. A message is deleted once evaluated or found malformed;
// messages whose alarms could not be loaded stay on the queue and are
// redelivered after their visibility timeout.
type EventListener struct {
	client       SQSConsumer
	queueURL     string
	evaluator    EventEvaluator
	maxMessages  int32
	waitTime     int32
	errorBackoff time.Duration
	metrics      EventMetrics
	logger       *slog.Logger
}

// NewEventListener creates an EventListener.
func NewEventListener(cfg ListenerConfig) *EventListener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}
	waitTime := cfg.WaitTime
	if waitTime < 0 || waitTime > 20 {
		waitTime = 20
	}
	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &EventListener{
		client:       cfg.Client,
		queueURL:     cfg.QueueURL,
		evaluator:    cfg.Evaluator,
		maxMessages:  maxMessages,
		waitTime:     waitTime,
		errorBackoff: backoff,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

// Run polls until ctx is cancelled.
func (l *EventListener) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "event listener started", "queue_url", l.queueURL)
	for {
		if ctx.Err() != nil {
			l.logger.InfoContext(ctx, "event listener stopped")
			return nil
		}
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.logger.ErrorContext(ctx, "failed to receive events", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(l.errorBackoff):
			}
		}
	}
}

// Poll receives one batch of messages, evaluates them and deletes the
// handled ones.
func (l *EventListener) Poll(ctx context.Context) error {
	out, err := l.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(l.queueURL),
		MaxNumberOfMessages: l.maxMessages,
		WaitTimeSeconds:     l.waitTime,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to receive from event queue", err)
	}
	if len(out.Messages) == 0 {
		return nil
	}

	var handled []sqstypes.DeleteMessageBatchRequestEntry
	for i, msg := range out.Messages {
		if l.handle(ctx, msg) {
			handled = append(handled, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: msg.ReceiptHandle,
			})
		}
	}
	if len(handled) == 0 {
		return nil
	}

	del, err := l.client.DeleteMessageBatch(context.WithoutCancel(ctx), &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(l.queueURL),
		Entries:  handled,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to delete handled events", err)
	}
	for _, f := range del.Failed {
		l.logger.WarnContext(ctx, "failed to delete handled event",
			"entry", aws.ToString(f.Id),
			"code", aws.ToString(f.Code),
			"message", aws.ToString(f.Message),
		)
	}
	return nil
}

// handle reports whether msg can be deleted.
func (l *EventListener) handle(ctx context.Context, msg sqstypes.Message) bool {
	messageID := aws.ToString(msg.MessageId)
	events, err := evaluator.SplitEventBatch([]byte(aws.ToString(msg.Body)))
	if err != nil {
		l.logger.WarnContext(ctx, "discarding malformed event message",
			"message_id", messageID,
			"error", err,
		)
		l.observe(EventResultInvalid, 1)
		return true
	}

	if err := l.evaluator.EvaluateEvents(ctx, events); err != nil {
		l.logger.ErrorContext(ctx, "event evaluation failed, message will be redelivered",
			"message_id", messageID,
			"error", err,
		)
		l.observe(EventResultFailed, len(events))
		return false
	}
	l.observe(EventResultProcessed, len(events))
	return true
}

func (l *EventListener) observe(result string, n int) {
	if l.metrics != nil {
		l.metrics.ObserveEvents(result, n)
	}
}
