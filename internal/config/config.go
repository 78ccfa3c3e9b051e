// Package config defines the process configuration of the alarm evaluator
// and the event worker. Configuration is loaded once at startup and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"log/slog"
	"strings"
	"time"

	"alarmeval/internal/types"
)

// SecretString is an alias for types.SecretString so secrets stay redacted
// when a Config is logged.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the
// subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"alarm-evaluator"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Evaluation    EvaluationConfig
	Coordination  CoordinationConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Prometheus    PrometheusConfig
	Server        ServerConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// EvaluationConfig tunes the evaluators and the control loop.
type EvaluationConfig struct {
	Interval time.Duration `envconfig:"EVALUATION_INTERVAL" default:"60s" validate:"gt=0"`
	// IngestionLag widens threshold query windows to absorb late metrics.
	IngestionLag  time.Duration `envconfig:"ADDITIONAL_INGESTION_LAG" default:"0s" validate:"gte=0"`
	RecordHistory bool          `envconfig:"RECORD_HISTORY" default:"true"`
	// EventCacheTTL of zero disables the event evaluator's alarm cache.
	EventCacheTTL time.Duration `envconfig:"EVENT_ALARM_CACHE_TTL" default:"60s" validate:"gte=0"`
}

// CoordinationConfig controls partitioning across workers. With Enabled
// false the worker evaluates every alarm by itself.
type CoordinationConfig struct {
	Enabled           bool          `envconfig:"COORDINATION_ENABLED" default:"false"`
	MemberID          string        `envconfig:"COORDINATION_MEMBER_ID"`
	HeartbeatInterval time.Duration `envconfig:"COORDINATION_HEARTBEAT_INTERVAL" default:"1s" validate:"gt=0"`
	RetryBackoff      time.Duration `envconfig:"COORDINATION_RETRY_BACKOFF" default:"1s" validate:"gt=0"`
	MaxRetryInterval  time.Duration `envconfig:"COORDINATION_MAX_RETRY_INTERVAL" default:"30s" validate:"gtefield=RetryBackoff"`
	// LeaseTTL must outlive several heartbeats or healthy members flap.
	LeaseTTL time.Duration `envconfig:"COORDINATION_LEASE_TTL" default:"30s" validate:"gtfield=HeartbeatInterval"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	NotificationQueue string `envconfig:"SQS_ALARM_NOTIFICATIONS" validate:"required,url"`
	// HistoryQueue is optional; empty disables bus publication of history.
	HistoryQueue string `envconfig:"SQS_ALARM_HISTORY" validate:"omitempty,url"`
	// EventQueue is optional; empty disables the in-process event listener.
	EventQueue string `envconfig:"SQS_ALARM_EVENTS" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// PrometheusConfig configures the Prometheus statistics backend. An empty
// URL leaves prometheus_threshold alarms without an evaluator.
type PrometheusConfig struct {
	URL     string        `envconfig:"PROMETHEUS_URL" validate:"omitempty,url"`
	Timeout time.Duration `envconfig:"PROMETHEUS_TIMEOUT" default:"10s" validate:"gt=0"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"AlarmEvaluator"`
	// EnableHeartbeat controls the CloudWatch cycle heartbeat.
	EnableHeartbeat bool `envconfig:"ENABLE_HEARTBEAT" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into
	// its target type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
