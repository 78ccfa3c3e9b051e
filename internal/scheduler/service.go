// Package scheduler drives alarm evaluation.
//
// Service runs the periodic control loop: on every tick it lists the
// enabled non-event alarms, keeps the share this worker owns in the
// partitioning group and dispatches each alarm to the evaluator of its rule
// type. EventListener feeds streamed events to the event evaluator.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"alarmeval/internal/evaluator"
	"alarmeval/internal/observability"
	"alarmeval/internal/types"
)

// PartitionGroup is the coordination group shared by every evaluator worker.
const PartitionGroup = "alarm_evaluator"

// Coordinator is the subset of coordination.PartitionCoordinator the loop
// depends on.
type Coordinator interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
	IsActive() bool
	Heartbeat(ctx context.Context)
	JoinGroup(ctx context.Context, groupID string) error
	ExtractMySubset(ctx context.Context, groupID string, universe []string) ([]string, error)
}

// AlarmLister lists candidate alarms.
type AlarmLister interface {
	GetAlarms(ctx context.Context, filter types.AlarmFilter) ([]*types.Alarm, error)
}

// Dispatcher resolves the evaluator of a rule type. evaluator.Registry
// implements it.
type Dispatcher interface {
	Lookup(ruleType types.RuleType) (evaluator.Evaluator, bool)
}

// EvaluationMetrics observes evaluations and cycles.
type EvaluationMetrics interface {
	ObserveEvaluation(ruleType types.RuleType, outcome string)
	ObserveCycle(ctx context.Context, stats observability.CycleStats)
}

// CycleObserver is notified once per completed cycle.
type CycleObserver interface {
	ObserveCycle(ctx context.Context, stats observability.CycleStats)
}

// ServiceConfig configures the control loop.
type ServiceConfig struct {
	Store       AlarmLister
	Registry    Dispatcher
	Coordinator Coordinator

	EvaluationInterval time.Duration
	HeartbeatInterval  time.Duration

	// Metrics and Heartbeat are optional.
	Metrics   EvaluationMetrics
	Heartbeat CycleObserver
	Logger    *slog.Logger
}

// Service is the periodic evaluation control loop.
type Service struct {
	store       AlarmLister
	registry    Dispatcher
	coordinator Coordinator
	interval    time.Duration
	hbInterval  time.Duration
	metrics     EvaluationMetrics
	heartbeat   CycleObserver
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewService creates a Service. EvaluationInterval defaults to 60 seconds
// and HeartbeatInterval to 1 second.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.EvaluationInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = time.Second
	}
	hbInterval := min(hb, interval/4)
	if hbInterval <= 0 {
		hbInterval = interval
	}
	return &Service{
		store:       cfg.Store,
		registry:    cfg.Registry,
		coordinator: cfg.Coordinator,
		interval:    interval,
		hbInterval:  hbInterval,
		metrics:     cfg.Metrics,
		heartbeat:   cfg.Heartbeat,
		logger:      logger,
	}
}

// Start connects the coordinator, joins the partitioning group and starts
// the evaluation and heartbeat timers. It returns once the timers run.
//
// With active coordination the first cycle is delayed by one interval so
// that the members starting together see each other before partitioning.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: service already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.coordinator.Start(ctx)
	if err := s.coordinator.JoinGroup(ctx, PartitionGroup); err != nil {
		s.logger.ErrorContext(ctx, "failed to join partitioning group",
			"group_id", PartitionGroup,
			"error", err,
		)
	}

	active := s.coordinator.IsActive()
	s.wg.Add(1)
	go s.evaluationLoop(runCtx, active)
	if active {
		s.wg.Add(1)
		go s.heartbeatLoop(runCtx)
	}

	s.logger.InfoContext(ctx, "alarm evaluation service started",
		"interval", s.interval.String(),
		"coordination", active,
	)
	return nil
}

// Stop cancels the timers, waits for an in-flight cycle to finish and then
// stops the coordinator. If ctx expires first the coordinator is stopped
// anyway and ctx's error is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.WarnContext(ctx, "timed out waiting for the evaluation cycle to drain")
	}
	s.coordinator.Stop(ctx)
	s.logger.InfoContext(ctx, "alarm evaluation service stopped")
	return err
}

func (s *Service) evaluationLoop(ctx context.Context, delayFirst bool) {
	defer s.wg.Done()

	if delayFirst {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
	s.RunCycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.coordinator.Heartbeat(ctx)
		}
	}
}

// RunCycle evaluates this worker's share of the alarms once. Failures are
// logged and counted; nothing escapes the cycle.
func (s *Service) RunCycle(ctx context.Context) observability.CycleStats {
	ctx = types.WithCycleID(ctx, uuid.NewString())
	start := time.Now()
	stats := observability.CycleStats{Group: PartitionGroup}

	enabled := true
	alarms, err := s.store.GetAlarms(ctx, types.AlarmFilter{
		Enabled:     &enabled,
		ExcludeType: types.RuleTypeEvent,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list alarms, skipping cycle", "error", err)
		return stats
	}

	byID := make(map[string]*types.Alarm, len(alarms))
	ids := make([]string, 0, len(alarms))
	for _, a := range alarms {
		byID[a.AlarmID] = a
		ids = append(ids, a.AlarmID)
	}

	mine, err := s.coordinator.ExtractMySubset(ctx, PartitionGroup, ids)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to extract assigned alarms, skipping cycle",
			"group_id", PartitionGroup,
			"error", err,
		)
		return stats
	}
	stats.Assigned = len(mine)
	s.logger.DebugContext(ctx, "evaluating assigned alarms",
		"assigned", len(mine),
		"total", len(alarms),
	)

	for _, id := range mine {
		if ctx.Err() != nil {
			break
		}
		alarm, ok := byID[id]
		if !ok {
			continue
		}
		// The alarm in flight completes even when Stop cancels the loop.
		outcome := s.evaluate(context.WithoutCancel(ctx), alarm)
		switch outcome {
		case observability.OutcomeEvaluated:
			stats.Evaluated++
		case observability.OutcomeFailed:
			stats.Failed++
		default:
			stats.Skipped++
		}
		if s.metrics != nil {
			s.metrics.ObserveEvaluation(alarm.Type, outcome)
		}
	}

	stats.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveCycle(ctx, stats)
	}
	if s.heartbeat != nil {
		s.heartbeat.ObserveCycle(ctx, stats)
	}
	s.logger.InfoContext(ctx, "evaluation cycle completed",
		"assigned", stats.Assigned,
		"evaluated", stats.Evaluated,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats
}

func (s *Service) evaluate(ctx context.Context, alarm *types.Alarm) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "panic while evaluating alarm",
				"alarm_id", alarm.AlarmID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			outcome = observability.OutcomeFailed
		}
	}()

	ev, ok := s.registry.Lookup(alarm.Type)
	if !ok {
		s.logger.DebugContext(ctx, "no evaluator for alarm type",
			"alarm_id", alarm.AlarmID,
			"type", string(alarm.Type),
		)
		return observability.OutcomeSkipped
	}
	if err := ev.Evaluate(ctx, alarm); err != nil {
		s.logger.ErrorContext(ctx, "failed to evaluate alarm",
			"alarm_id", alarm.AlarmID,
			"type", string(alarm.Type),
			"error", err,
		)
		return observability.OutcomeFailed
	}
	return observability.OutcomeEvaluated
}
