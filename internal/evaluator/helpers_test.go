package evaluator

import (
	"context"
	"sync"
	"time"

	"alarmeval/internal/types"
)

// --- fakeStore ---

type fakeStore struct {
	mu sync.Mutex

	alarms   map[string]*types.Alarm
	updates  []*types.Alarm
	changes  []types.AlarmChange
	getCalls int

	getErr    error
	updateErr error
	recordErr error
}

func newFakeStore(alarms ...*types.Alarm) *fakeStore {
	s := &fakeStore{alarms: make(map[string]*types.Alarm)}
	for _, a := range alarms {
		s.alarms[a.AlarmID] = a.Clone()
	}
	return s
}

func (s *fakeStore) GetAlarms(_ context.Context, f types.AlarmFilter) ([]*types.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []*types.Alarm
	for _, a := range s.alarms {
		if f.Enabled != nil && a.Enabled != *f.Enabled {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.ExcludeType != "" && a.Type == f.ExcludeType {
			continue
		}
		if f.ProjectID != "" && a.ProjectID != f.ProjectID {
			continue
		}
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *fakeStore) UpdateAlarm(_ context.Context, a *types.Alarm) (*types.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	s.updates = append(s.updates, a.Clone())
	s.alarms[a.AlarmID] = a.Clone()
	return a, nil
}

func (s *fakeStore) RecordAlarmChange(_ context.Context, c types.AlarmChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.changes = append(s.changes, c)
	return nil
}

func (s *fakeStore) GetAlarmChanges(_ context.Context, alarmID string, _ int) ([]types.AlarmChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AlarmChange
	for _, c := range s.changes {
		if c.AlarmID == alarmID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// --- fakeNotifier ---

type notification struct {
	alarmID    string
	previous   types.AlarmState
	current    types.AlarmState
	reason     string
	reasonData map[string]any
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, a *types.Alarm, previous types.AlarmState, reason string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{a.AlarmID, previous, a.State, reason, data})
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// --- fakePublisher ---

type fakePublisher struct {
	mu      sync.Mutex
	changes []types.AlarmChange
}

func (p *fakePublisher) PublishChange(_ context.Context, c types.AlarmChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

// --- fakeSource ---

// fakeSource serves datapoints per rule query and counts lookups.
type fakeSource struct {
	mu     sync.Mutex
	points map[string][]types.Datapoint
	calls  map[string]int
	err    error

	lastStart, lastEnd time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{points: make(map[string][]types.Datapoint), calls: make(map[string]int)}
}

func (s *fakeSource) Statistics(_ context.Context, rule types.ThresholdRule, start, end time.Time) ([]types.Datapoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rule.Query]++
	s.lastStart, s.lastEnd = start, end
	if s.err != nil {
		return nil, s.err
	}
	return s.points[rule.Query], nil
}

func (s *fakeSource) callsFor(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[query]
}

// series builds datapoints at one-minute spacing ending at end.
func series(end time.Time, granularity int, values ...float64) []types.Datapoint {
	out := make([]types.Datapoint, len(values))
	for i, v := range values {
		out[i] = types.Datapoint{
			Timestamp:   end.Add(-time.Duration(len(values)-i) * time.Minute),
			Granularity: granularity,
			Value:       v,
			SampleCount: 10,
		}
	}
	return out
}

// --- manualClock ---

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store     *fakeStore
	notifier  *fakeNotifier
	publisher *fakePublisher
	clock     *manualClock
	base      *Base
}

func newHarness(alarms ...*types.Alarm) *harness {
	h := &harness{
		store:     newFakeStore(alarms...),
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		clock:     &manualClock{t: testNow},
	}
	h.base = NewBase(Config{
		Store:         h.store,
		Notifier:      h.notifier,
		Changes:       h.publisher,
		RecordHistory: true,
		Clock:         h.clock,
	})
	return h
}
