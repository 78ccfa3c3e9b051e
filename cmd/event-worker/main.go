// Package main is the entrypoint for the Event Worker Lambda function.
//
// The Event Worker is triggered by the alarm event queue. Each SQS record
// carries one event or a JSON array of events; the records are evaluated
// against the event alarms of the events' projects, firing notifications
// for matching alarms.
//
// Records whose alarms could not be loaded are reported as batch item
// failures so SQS redelivers only those. Malformed records are logged and
// acknowledged.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"alarmeval/internal/config"
	"alarmeval/internal/db"
	"alarmeval/internal/evaluator"
	"alarmeval/internal/notifications"
	"alarmeval/internal/types"
)

// EventBatchEvaluator is implemented by *evaluator.EventEvaluator.
type EventBatchEvaluator interface {
	EvaluateEvents(ctx context.Context, events []json.RawMessage) error
}

// Handler holds the dependencies of the Lambda handler. It is built once
// per cold start so the event evaluator's alarm cache survives across
// invocations of a warm container.
type Handler struct {
	evaluator EventBatchEvaluator
	logger    *slog.Logger
}

// Handle evaluates every record independently and reports the ones that
// must be retried.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		recordCtx := types.WithRequestID(ctx, record.MessageId)

		batch, err := evaluator.SplitEventBatch([]byte(record.Body))
		if err != nil {
			h.logger.WarnContext(recordCtx, "discarding malformed event record",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}
		if err := h.evaluator.EvaluateEvents(recordCtx, batch); err != nil {
			h.logger.ErrorContext(recordCtx, "failed to evaluate event record",
				"message_id", record.MessageId,
				"events", len(batch),
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("Event Worker Lambda initializing (cold start)")

	ctx := context.Background()
	handler, cleanup, err := newHandler(ctx, logger)
	if err != nil {
		logger.Error("Event Worker initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/event-worker
	if os.Getenv("APP_ENV") == "local" {
		if err := runLocal(ctx, handler, os.Stdin, logger); err != nil {
			logger.Error("Local invocation failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// newHandler loads configuration and wires the event evaluator.
func newHandler(ctx context.Context, logger *slog.Logger) (*Handler, func(), error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		provider = config.NewSSMProvider(region)
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return nil, nil, fmt.Errorf("creating database pool: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	var changes evaluator.ChangePublisher
	if cfg.AWS.HistoryQueue != "" {
		changes = notifications.NewHistoryPublisher(sqsClient, cfg.AWS.HistoryQueue, logger)
	}
	base := evaluator.NewBase(evaluator.Config{
		Store:         db.NewAlarmRepository(pool, logger),
		Notifier:      notifications.NewSQSNotifier(notifications.NotifierConfig{Client: sqsClient, QueueURL: cfg.AWS.NotificationQueue, Logger: logger}),
		Changes:       changes,
		RecordHistory: cfg.Evaluation.RecordHistory,
		Logger:        logger,
	})

	logger.Info("Event Worker Lambda initialized",
		"notification_queue", cfg.AWS.NotificationQueue,
		"history_queue", cfg.AWS.HistoryQueue,
		"cache_ttl", cfg.Evaluation.EventCacheTTL,
	)
	return &Handler{
		evaluator: evaluator.NewEventEvaluator(base, evaluator.EventConfig{CacheTTL: cfg.Evaluation.EventCacheTTL}),
		logger:    logger,
	}, pool.Close, nil
}

func runLocal(ctx context.Context, h *Handler, in io.Reader, logger *slog.Logger) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}
	response, err := h.Handle(ctx, sqsEvent)
	if err != nil {
		return err
	}
	logger.Info("Handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
	return nil
}
