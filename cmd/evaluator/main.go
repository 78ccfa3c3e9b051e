// Package main is the entry point of the alarm evaluator worker.
//
// Every worker runs the periodic evaluation loop over its share of the
// threshold and composite alarms, an ops HTTP server exposing /health and
// /metrics and, when SQS_ALARM_EVENTS is set, a long-polling consumer
// feeding streamed events to the event evaluator.
//
// With COORDINATION_ENABLED the workers split the alarm population through
// lease-based group membership stored in PostgreSQL. Without it the worker
// evaluates every alarm by itself.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"alarmeval/internal/config"
	"alarmeval/internal/coordination"
	"alarmeval/internal/core"
	"alarmeval/internal/db"
	"alarmeval/internal/evaluator"
	"alarmeval/internal/external"
	"alarmeval/internal/notifications"
	"alarmeval/internal/observability"
	"alarmeval/internal/scheduler"
)

// stopTimeout bounds how long shutdown waits for the in-flight alarm.
const stopTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.SlogLevel())
	slog.SetDefault(logger)
	logger.Info("alarm evaluator starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"coordination", cfg.Coordination.Enabled,
		"interval", cfg.Evaluation.Interval,
	)

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	alarms := db.NewAlarmRepository(pool, logger)
	base := evaluator.NewBase(evaluator.Config{
		Store:         alarms,
		Notifier:      notifications.NewSQSNotifier(notifications.NotifierConfig{Client: sqsClient, QueueURL: cfg.AWS.NotificationQueue, Logger: logger}),
		Changes:       historyPublisher(cfg.AWS, sqsClient, logger),
		RecordHistory: cfg.Evaluation.RecordHistory,
		Recorder:      metrics,
		Logger:        logger,
	})

	cwStats, promStats := statisticsSources(cfg, cwClient, logger)
	evaluators := evaluator.NewRegistry(base, evaluator.RegistryConfig{
		CloudWatch:   cwStats,
		Prometheus:   promStats,
		IngestionLag: cfg.Evaluation.IngestionLag,
	})

	var backend *db.MembershipRepository
	var coordBackend coordination.Backend
	if cfg.Coordination.Enabled {
		backend = db.NewMembershipRepository(pool, cfg.Coordination.LeaseTTL)
		coordBackend = backend
	}
	coordinator := coordination.NewPartitionCoordinator(coordBackend, coordination.CoordinatorConfig{
		MemberID:         cfg.Coordination.MemberID,
		RetryBackoff:     cfg.Coordination.RetryBackoff,
		MaxRetryInterval: cfg.Coordination.MaxRetryInterval,
		Logger:           logger,
	})

	var heartbeat scheduler.CycleObserver
	if cfg.Observability.EnableHeartbeat {
		heartbeat = observability.NewCloudWatchHeartbeat(cwClient, cfg.Observability.MetricNamespace, logger)
	}
	service := scheduler.NewService(scheduler.ServiceConfig{
		Store:              alarms,
		Registry:           evaluators,
		Coordinator:        coordinator,
		EvaluationInterval: cfg.Evaluation.Interval,
		HeartbeatInterval:  cfg.Coordination.HeartbeatInterval,
		Metrics:            metrics,
		Heartbeat:          heartbeat,
		Logger:             logger,
	})

	probes := []core.HealthProbe{core.DatabaseProbe(alarms)}
	if backend != nil {
		probes = append(probes, core.CoordinationProbe(coordinator, backend))
	}
	server := core.NewServer(core.ServerConfig{
		Addr:         ":" + cfg.Server.Port,
		HealthProbes: probes,
		Gatherer:     registry,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	if err := service.Start(gctx); err != nil {
		return fmt.Errorf("starting evaluation service: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return service.Stop(stopCtx)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cfg.AWS.EventQueue != "" {
		listener := scheduler.NewEventListener(scheduler.ListenerConfig{
			Client:    sqsClient,
			QueueURL:  cfg.AWS.EventQueue,
			Evaluator: evaluator.NewEventEvaluator(base, evaluator.EventConfig{CacheTTL: cfg.Evaluation.EventCacheTTL}),
			Metrics:   metrics,
			Logger:    logger,
		})
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("alarm evaluator stopped", "error", err)
	return err
}

// secretProvider returns the SSM provider outside local development.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// statisticsSources builds the metric backends. The Prometheus source is
// nil when PROMETHEUS_URL is unset, which leaves prometheus_threshold
// alarms unregistered.
func statisticsSources(cfg *config.Config, cw external.CloudWatchAPI, logger *slog.Logger) (cwStats, promStats evaluator.StatisticsSource) {
	cwStats = external.NewCloudWatchStatistics(cw, logger)
	if cfg.Prometheus.URL != "" {
		promStats = external.NewPrometheusStatistics(external.PrometheusConfig{
			BaseURL:     cfg.Prometheus.URL,
			Timeout:     cfg.Prometheus.Timeout,
			RetryPolicy: external.DefaultRetryPolicy(),
			UserAgent:   "alarmeval/" + cfg.Build.Version,
			Logger:      logger,
		})
	}
	return cwStats, promStats
}

// historyPublisher returns nil when no history queue is configured.
func historyPublisher(cfg config.AWSConfig, client notifications.SQSSender, logger *slog.Logger) evaluator.ChangePublisher {
	if cfg.HistoryQueue == "" {
		return nil
	}
	return notifications.NewHistoryPublisher(client, cfg.HistoryQueue, logger)
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

var (
	_ external.CloudWatchAPI         = (*cloudwatch.Client)(nil)
	_ observability.CloudWatchClient = (*cloudwatch.Client)(nil)
	_ scheduler.SQSConsumer          = (*sqs.Client)(nil)
	_ notifications.SQSSender        = (*sqs.Client)(nil)
)
