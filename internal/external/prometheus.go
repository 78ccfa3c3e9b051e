package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"alarmeval/internal/types"
)

const prometheusBreakerName = "prometheus-api"

// PrometheusConfig configures a PrometheusStatistics source.
type PrometheusConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryPolicy RetryPolicy
	UserAgent   string
	Logger      *slog.Logger
}

// PrometheusStatistics evaluates a threshold rule's Query as a PromQL
// range query, one step per rule granularity.
type PrometheusStatistics struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewPrometheusStatistics builds a source against the Prometheus HTTP API
// at cfg.BaseURL.
func NewPrometheusStatistics(cfg PrometheusConfig, opts ...BaseClientOption) *PrometheusStatistics {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &PrometheusStatistics{
		base:    NewBaseClient(httpClient, prometheusBreakerName, cfg.RetryPolicy, cfg.UserAgent, logger, opts...),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

type promResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
	Data      struct {
		ResultType string       `json:"resultType"`
		Result     []promSeries `json:"result"`
	} `json:"data"`
}

type promSeries struct {
	Metric map[string]string `json:"metric"`
	Values [][2]any          `json:"values"`
}

// Statistics runs rule.Query over [start, end]. When the query returns
// several series the values of each step are averaged and SampleCount
// records how many series contributed.
func (p *PrometheusStatistics) Statistics(ctx context.Context, rule types.ThresholdRule, start, end time.Time) ([]types.Datapoint, error) {
	if rule.Query == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRule, "prometheus rule has no query", nil)
	}

	params := url.Values{}
	params.Set("query", rule.Query)
	params.Set("start", formatPromTime(start))
	params.Set("end", formatPromTime(end))
	params.Set("step", strconv.Itoa(rule.Granularity)+"s")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/query_range",
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build prometheus request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamMetrics, "failed to read prometheus response", err)
	}

	var pr promResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamMetrics,
			fmt.Sprintf("prometheus returned undecodable body (status %d)", resp.StatusCode), err)
	}
	if resp.StatusCode != http.StatusOK || pr.Status != "success" {
		return nil, types.NewAppError(types.ErrCodeUpstreamMetrics,
			fmt.Sprintf("prometheus query failed (status %d): %s: %s", resp.StatusCode, pr.ErrorType, pr.Error), nil)
	}
	if pr.Data.ResultType != "matrix" {
		return nil, types.NewAppError(types.ErrCodeUpstreamMetrics,
			fmt.Sprintf("prometheus returned %q result, expected matrix", pr.Data.ResultType), nil)
	}

	points, err := mergeSeries(pr.Data.Result, rule.Granularity)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamMetrics, "prometheus returned malformed samples", err)
	}
	p.logger.DebugContext(ctx, "prometheus statistics fetched",
		"query", rule.Query,
		"series", len(pr.Data.Result),
		"datapoints", len(points),
	)
	return points, nil
}

type stepAgg struct {
	sum   float64
	count int
}

func mergeSeries(series []promSeries, granularity int) ([]types.Datapoint, error) {
	steps := make(map[int64]*stepAgg)
	for _, s := range series {
		for _, pair := range s.Values {
			ts, ok := pair[0].(float64)
			if !ok {
				return nil, fmt.Errorf("timestamp %v is not numeric", pair[0])
			}
			raw, ok := pair[1].(string)
			if !ok {
				return nil, fmt.Errorf("value %v is not a string", pair[1])
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing value %q: %w", raw, err)
			}
			ms := int64(ts * 1000)
			agg := steps[ms]
			if agg == nil {
				agg = &stepAgg{}
				steps[ms] = agg
			}
			agg.sum += v
			agg.count++
		}
	}

	points := make([]types.Datapoint, 0, len(steps))
	for ms, agg := range steps {
		points = append(points, types.Datapoint{
			Timestamp:   time.UnixMilli(ms).UTC(),
			Granularity: granularity,
			Value:       agg.sum / float64(agg.count),
			SampleCount: float64(agg.count),
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

func formatPromTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}
