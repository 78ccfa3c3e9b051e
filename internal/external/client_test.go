package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"alarmeval/internal/types"
)

// noopSleep returns immediately so retries do not slow tests down.
func noopSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy) *BaseClient {
	t.Helper()
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker-"+t.Name(),
		policy,
		"alarmeval-test/1.0",
		nil,
		WithSleepFunc(noopSleep),
	)
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: 10 * time.Millisecond, MaxWait: 100 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"success"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_ForwardsCycleIDAndUserAgent(t *testing.T) {
	var gotID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())
	ctx := types.WithCycleID(context.Background(), "cycle-42")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotID != "cycle-42" {
		t.Errorf("expected X-Request-ID 'cycle-42', got %q", gotID)
	}
	if gotUA != "alarmeval-test/1.0" {
		t.Errorf("expected User-Agent 'alarmeval-test/1.0', got %q", gotUA)
	}
}

func TestDo_RetriesOn500AndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader("query=up"))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	resp.Body.Close()

	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
	if b := lastBody.Load().(string); b != "query=up" {
		t.Errorf("body not replayed on retry, got %q", b)
	}
}

func TestDo_ExhaustedRetriesMapToUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	_, err := client.Do(req)
	if !types.HasCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestDo_RateLimitedMapsToRateLimitCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(0))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	_, err := client.Do(req)
	if !types.HasCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected upstream_rate_limited, got %v", err)
	}
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("4xx responses are returned to the caller, got error: %v", err)
	}
	resp.Body.Close()
	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 call, got %d", n)
	}
}

func TestDo_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(0))
	for i := 0; i < 6; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		_, _ = client.Do(req)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || !strings.Contains(appErr.Message, "circuit breaker is open") {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if n := calls.Load(); n != 6 {
		t.Errorf("open breaker must not reach the server, got %d calls", n)
	}
}

func TestDo_CancelledWaitStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewBaseClient(&http.Client{}, "test-breaker-cancel", fastPolicy(3), "", nil,
		WithSleepFunc(func(context.Context, time.Duration) error { return context.Canceled }))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected an error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call before the cancelled wait, got %d", n)
	}
}

func TestComputeBackoff(t *testing.T) {
	c := &BaseClient{retryPolicy: RetryPolicy{MinWait: time.Second, MaxWait: 10 * time.Second}}

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "3")
	if got := c.computeBackoff(0, resp); got != 3*time.Second {
		t.Errorf("Retry-After seconds: expected 3s, got %v", got)
	}
	resp.Header.Set("Retry-After", "60")
	if got := c.computeBackoff(0, resp); got != 10*time.Second {
		t.Errorf("Retry-After is capped at MaxWait, got %v", got)
	}

	if got := c.computeBackoff(0, nil); got != time.Second {
		t.Errorf("first attempt waits MinWait, got %v", got)
	}
	for i := 0; i < 20; i++ {
		got := c.computeBackoff(5, nil)
		if got < time.Second || got > 10*time.Second {
			t.Fatalf("backoff %v outside [MinWait, MaxWait]", got)
		}
	}
}
