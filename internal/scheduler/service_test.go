package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmeval/internal/evaluator"
	"alarmeval/internal/observability"
	"alarmeval/internal/types"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ============================================================
// Fakes
// ============================================================

type fakeCoordinator struct {
	mu         sync.Mutex
	active     bool
	owned      map[string]bool // nil owns everything
	extractErr error
	started    int
	stopped    int
	joined     []string
	heartbeats int
	universe   []string
}

func (f *fakeCoordinator) Start(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeCoordinator) Stop(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeCoordinator) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCoordinator) Heartbeat(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
}

func (f *fakeCoordinator) JoinGroup(_ context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, groupID)
	return nil
}

func (f *fakeCoordinator) ExtractMySubset(_ context.Context, _ string, universe []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.universe = universe
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	if f.owned == nil {
		return universe, nil
	}
	var mine []string
	for _, id := range universe {
		if f.owned[id] {
			mine = append(mine, id)
		}
	}
	return mine, nil
}

func (f *fakeCoordinator) snapshot() (started, stopped, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped, f.heartbeats
}

type fakeLister struct {
	alarms  []*types.Alarm
	err     error
	filters []types.AlarmFilter
	calls   atomic.Int32
}

func (f *fakeLister) GetAlarms(_ context.Context, filter types.AlarmFilter) ([]*types.Alarm, error) {
	f.calls.Add(1)
	f.filters = append(f.filters, filter)
	return f.alarms, f.err
}

type evalFunc func(ctx context.Context, alarm *types.Alarm) error

func (f evalFunc) Evaluate(ctx context.Context, alarm *types.Alarm) error { return f(ctx, alarm) }

type fakeRegistry map[types.RuleType]evaluator.Evaluator

func (r fakeRegistry) Lookup(t types.RuleType) (evaluator.Evaluator, bool) {
	ev, ok := r[t]
	return ev, ok
}

type fakeMetrics struct {
	mu          sync.Mutex
	evaluations map[string]int
	cycles      []observability.CycleStats
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{evaluations: make(map[string]int)}
}

func (m *fakeMetrics) ObserveEvaluation(ruleType types.RuleType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations[string(ruleType)+"/"+outcome]++
}

func (m *fakeMetrics) ObserveCycle(_ context.Context, stats observability.CycleStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, stats)
}

func alarm(id string, ruleType types.RuleType) *types.Alarm {
	return &types.Alarm{AlarmID: id, Type: ruleType, Enabled: true, State: types.AlarmStateOK}
}

// ============================================================
// RunCycle
// ============================================================

func TestRunCycle_DispatchesOwnedAlarms(t *testing.T) {
	lister := &fakeLister{alarms: []*types.Alarm{
		alarm("a1", types.RuleTypePrometheusThreshold),
		alarm("a2", types.RuleTypePrometheusThreshold),
		alarm("a3", types.RuleTypeComposite),
		alarm("a4", types.RuleType("gnocchi_resources_threshold")),
		alarm("a5", types.RuleTypeComposite),
	}}
	coord := &fakeCoordinator{owned: map[string]bool{"a1": true, "a3": true, "a4": true, "a5": true}}

	var mu sync.Mutex
	var evaluated []string
	var cycleIDs []string
	record := evalFunc(func(ctx context.Context, a *types.Alarm) error {
		mu.Lock()
		defer mu.Unlock()
		evaluated = append(evaluated, a.AlarmID)
		cycleIDs = append(cycleIDs, types.GetCycleID(ctx))
		return nil
	})
	reg := fakeRegistry{
		types.RuleTypePrometheusThreshold: record,
		types.RuleTypeComposite: evalFunc(func(ctx context.Context, a *types.Alarm) error {
			if a.AlarmID == "a5" {
				return errors.New("prometheus unreachable")
			}
			return record(ctx, a)
		}),
	}
	metrics := newFakeMetrics()
	hb := newFakeMetrics()

	svc := NewService(ServiceConfig{
		Store: lister, Registry: reg, Coordinator: coord,
		Metrics: metrics, Heartbeat: hb, Logger: quietLogger,
	})
	stats := svc.RunCycle(context.Background())

	assert.Equal(t, []string{"a1", "a3"}, evaluated)
	require.Len(t, cycleIDs, 2)
	assert.NotEmpty(t, cycleIDs[0])
	assert.Equal(t, cycleIDs[0], cycleIDs[1], "one cycle id per cycle")

	assert.Equal(t, []string{"a1", "a2", "a3", "a4", "a5"}, coord.universe)
	require.Len(t, lister.filters, 1)
	require.NotNil(t, lister.filters[0].Enabled)
	assert.True(t, *lister.filters[0].Enabled)
	assert.Equal(t, types.RuleTypeEvent, lister.filters[0].ExcludeType)

	assert.Equal(t, 4, stats.Assigned)
	assert.Equal(t, 2, stats.Evaluated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, PartitionGroup, stats.Group)

	assert.Equal(t, 1, metrics.evaluations["composite/failed"])
	assert.Equal(t, 1, metrics.evaluations["gnocchi_resources_threshold/skipped"])
	assert.Len(t, metrics.cycles, 1)
	assert.Len(t, hb.cycles, 1)
}

func TestRunCycle_RecoversFromPanics(t *testing.T) {
	lister := &fakeLister{alarms: []*types.Alarm{
		alarm("a1", types.RuleTypeCloudWatchThreshold),
		alarm("a2", types.RuleTypeCloudWatchThreshold),
	}}
	var calls atomic.Int32
	reg := fakeRegistry{
		types.RuleTypeCloudWatchThreshold: evalFunc(func(_ context.Context, a *types.Alarm) error {
			calls.Add(1)
			if a.AlarmID == "a1" {
				panic("nil rule")
			}
			return nil
		}),
	}
	svc := NewService(ServiceConfig{Store: lister, Registry: reg, Coordinator: &fakeCoordinator{}, Logger: quietLogger})

	var stats observability.CycleStats
	require.NotPanics(t, func() { stats = svc.RunCycle(context.Background()) })
	assert.Equal(t, int32(2), calls.Load(), "a panic must not stop the cycle")
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Evaluated)
}

func TestRunCycle_SkipsOnStorageOrCoordinationFailure(t *testing.T) {
	var calls atomic.Int32
	reg := fakeRegistry{types.RuleTypeCloudWatchThreshold: evalFunc(func(context.Context, *types.Alarm) error {
		calls.Add(1)
		return nil
	})}

	t.Run("storage", func(t *testing.T) {
		lister := &fakeLister{err: errors.New("connection refused")}
		svc := NewService(ServiceConfig{Store: lister, Registry: reg, Coordinator: &fakeCoordinator{}, Logger: quietLogger})
		assert.Equal(t, 0, svc.RunCycle(context.Background()).Assigned)
	})

	t.Run("coordination", func(t *testing.T) {
		lister := &fakeLister{alarms: []*types.Alarm{alarm("a1", types.RuleTypeCloudWatchThreshold)}}
		coord := &fakeCoordinator{extractErr: errors.New("member not in group")}
		svc := NewService(ServiceConfig{Store: lister, Registry: reg, Coordinator: coord, Logger: quietLogger})
		assert.Equal(t, 0, svc.RunCycle(context.Background()).Assigned)
	})

	assert.Equal(t, int32(0), calls.Load())
}

// ============================================================
// Start / Stop
// ============================================================

func TestNewService_HeartbeatInterval(t *testing.T) {
	svc := NewService(ServiceConfig{EvaluationInterval: 2 * time.Second, HeartbeatInterval: time.Second})
	assert.Equal(t, 500*time.Millisecond, svc.hbInterval)

	svc = NewService(ServiceConfig{EvaluationInterval: time.Minute, HeartbeatInterval: time.Second})
	assert.Equal(t, time.Second, svc.hbInterval)

	svc = NewService(ServiceConfig{})
	assert.Equal(t, 60*time.Second, svc.interval)
}

func TestService_SingletonRunsImmediatelyAndRepeats(t *testing.T) {
	lister := &fakeLister{}
	coord := &fakeCoordinator{}
	svc := NewService(ServiceConfig{
		Store: lister, Registry: fakeRegistry{}, Coordinator: coord,
		EvaluationInterval: 20 * time.Millisecond, Logger: quietLogger,
	})

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()), "second Start is rejected")

	assert.Eventually(t, func() bool { return lister.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop(context.Background()))

	started, stopped, heartbeats := coord.snapshot()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, heartbeats, "no heartbeat timer without coordination")
	assert.Equal(t, []string{PartitionGroup}, coord.joined)

	calls := lister.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, lister.calls.Load(), "no cycle after Stop")
	assert.NoError(t, svc.Stop(context.Background()), "Stop is idempotent")
}

func TestService_CoordinatedDelaysFirstCycleAndHeartbeats(t *testing.T) {
	lister := &fakeLister{}
	coord := &fakeCoordinator{active: true}
	svc := NewService(ServiceConfig{
		Store: lister, Registry: fakeRegistry{}, Coordinator: coord,
		EvaluationInterval: 400 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond,
		Logger: quietLogger,
	})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	assert.Eventually(t, func() bool {
		_, _, hb := coord.snapshot()
		return hb >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), lister.calls.Load(), "first cycle waits one interval")

	assert.Eventually(t, func() bool { return lister.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestService_StopDrainsInFlightAlarm(t *testing.T) {
	lister := &fakeLister{alarms: []*types.Alarm{
		alarm("a1", types.RuleTypeComposite),
		alarm("a2", types.RuleTypeComposite),
	}}
	entered := make(chan struct{})
	var finished atomic.Bool
	var evaluated atomic.Int32
	reg := fakeRegistry{types.RuleTypeComposite: evalFunc(func(ctx context.Context, a *types.Alarm) error {
		evaluated.Add(1)
		if a.AlarmID == "a1" {
			close(entered)
			time.Sleep(100 * time.Millisecond)
			if ctx.Err() == nil {
				finished.Store(true)
			}
		}
		return nil
	})}
	coord := &fakeCoordinator{}
	svc := NewService(ServiceConfig{
		Store: lister, Registry: reg, Coordinator: coord,
		EvaluationInterval: time.Hour, Logger: quietLogger,
	})

	require.NoError(t, svc.Start(context.Background()))
	<-entered
	require.NoError(t, svc.Stop(context.Background()))

	assert.True(t, finished.Load(), "in-flight alarm completes with a live context")
	assert.Equal(t, int32(1), evaluated.Load(), "remaining alarms are abandoned")
	_, stopped, _ := coord.snapshot()
	assert.Equal(t, 1, stopped)
}

func TestService_StopTimeout(t *testing.T) {
	lister := &fakeLister{alarms: []*types.Alarm{alarm("a1", types.RuleTypeComposite)}}
	entered := make(chan struct{})
	release := make(chan struct{})
	reg := fakeRegistry{types.RuleTypeComposite: evalFunc(func(context.Context, *types.Alarm) error {
		close(entered)
		<-release
		return nil
	})}
	coord := &fakeCoordinator{}
	svc := NewService(ServiceConfig{
		Store: lister, Registry: reg, Coordinator: coord,
		EvaluationInterval: time.Hour, Logger: quietLogger,
	})
	require.NoError(t, svc.Start(context.Background()))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := svc.Stop(ctx)
	close(release)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, stopped, _ := coord.snapshot()
	assert.Equal(t, 1, stopped, "coordinator is stopped even when draining times out")
}
