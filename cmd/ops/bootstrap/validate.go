package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of validating one input.
type ValidationResult struct {
	Valid   bool
	Message string
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a connection.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector checks the alarm schema is present as well as reachable.
type PgxConnector struct{}

func (c *PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	var present bool
	if err := conn.QueryRow(ctx, `SELECT to_regclass('public.alarms') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("checking schema: %w", err)
	}
	if !present {
		return fmt.Errorf("connected, but the alarms table does not exist; apply the schema first")
	}
	return nil
}

// Validator holds the outbound dependencies of the active checks.
type Validator struct {
	httpClient HTTPClient
	dbConn     DatabaseConnector
}

func NewValidator() *Validator {
	return &Validator{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dbConn:     &PgxConnector{},
	}
}

func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector) *Validator {
	return &Validator{httpClient: httpClient, dbConn: dbConn}
}

const validateTimeout = 15 * time.Second

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// ValidateDatabaseURL checks the scheme and then connects.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return invalid("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return invalid("database URL has no host")
	}
	if v.dbConn == nil {
		return ValidationResult{Valid: true, Message: "format OK (connection check skipped)"}
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return invalid("database connection failed: %v", err)
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("connected to %s", parsed.Hostname())}
}

// ValidateQueueURL accepts https SQS queue URLs, plus http for LocalStack.
func (v *Validator) ValidateQueueURL(_ context.Context, rawURL string) ValidationResult {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return invalid("invalid URL format: %v", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return invalid("expected an http(s) queue URL, got scheme %q", parsed.Scheme)
	}
	// https://sqs.{region}.amazonaws.com/{account}/{queue}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if parsed.Host == "" || len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return invalid("expected a queue URL of the form https://sqs.<region>.amazonaws.com/<account>/<queue>")
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("queue %s", segments[1])}
}

// ValidatePrometheusURL probes the server's readiness endpoint.
func (v *Validator) ValidatePrometheusURL(ctx context.Context, rawURL string) ValidationResult {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return invalid("expected an http(s) base URL such as http://prometheus:9090")
	}
	if v.httpClient == nil {
		return ValidationResult{Valid: true, Message: "format OK (readiness check skipped)"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(rawURL, "/")+"/-/ready", nil)
	if err != nil {
		return invalid("building request: %v", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return invalid("Prometheus unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return invalid("Prometheus readiness returned HTTP %d", resp.StatusCode)
	}
	return ValidationResult{Valid: true, Message: "Prometheus is ready"}
}
