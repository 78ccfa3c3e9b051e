// Package evaluator decides alarm states.
//
// Every evaluator kind (threshold, composite, event) computes a candidate
// state with its own algorithm and then hands it to Base.Refresh, the single
// entry point that mutates an alarm. Refresh persists the transition,
// appends history, publishes the change on the bus and notifies the actions
// of the new state. Failures inside Refresh are logged, never returned: the
// next evaluation cycle is the recovery mechanism.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alarmeval/internal/types"
)

// AlarmStore is the storage collaborator. db.AlarmRepository implements it.
type AlarmStore interface {
	GetAlarms(ctx context.Context, filter types.AlarmFilter) ([]*types.Alarm, error)
	// UpdateAlarm returns an error wrapping types.ErrAlarmNotFound when the
	// alarm was deleted concurrently.
	UpdateAlarm(ctx context.Context, alarm *types.Alarm) (*types.Alarm, error)
	// RecordAlarmChange may return types.ErrNotImplemented for stores that
	// do not keep history.
	RecordAlarmChange(ctx context.Context, change types.AlarmChange) error
	GetAlarmChanges(ctx context.Context, alarmID string, limit int) ([]types.AlarmChange, error)
}

// StatisticsSource returns the datapoints of a threshold rule within
// [start, end], oldest first. No data is an empty result, not an error.
type StatisticsSource interface {
	Statistics(ctx context.Context, rule types.ThresholdRule, start, end time.Time) ([]types.Datapoint, error)
}

// Notifier delivers an alarm's actions for its current state.
type Notifier interface {
	Notify(ctx context.Context, alarm *types.Alarm, previous types.AlarmState, reason string, reasonData map[string]any) error
}

// ChangePublisher publishes history records as informational bus events.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change types.AlarmChange) error
}

// Recorder observes accepted state transitions.
type Recorder interface {
	RecordTransition(ruleType types.RuleType, from, to types.AlarmState)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(types.RuleType, types.AlarmState, types.AlarmState) {}

// Evaluator is implemented by every alarm kind driven by the control loop.
// Evaluate returns an error only for failures that left the alarm untouched
// (metric backend down, malformed rule); transitions are never errors.
type Evaluator interface {
	Evaluate(ctx context.Context, alarm *types.Alarm) error
}

// Config holds the collaborators shared by all evaluators.
type Config struct {
	Store    AlarmStore
	Notifier Notifier
	// Changes is optional; nil skips bus publication of history records.
	Changes ChangePublisher
	// RecordHistory enables AlarmChange records on accepted transitions.
	RecordHistory bool
	Recorder      Recorder
	Clock         types.Clock
	Logger        *slog.Logger
}

// Base implements the state-refresh protocol and the time-constraint check
// shared by every evaluator.
type Base struct {
	store         AlarmStore
	notifier      Notifier
	changes       ChangePublisher
	recordHistory bool
	recorder      Recorder
	clock         types.Clock
	logger        *slog.Logger
}

// NewBase creates a Base from cfg.
func NewBase(cfg Config) *Base {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Base{
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		changes:       cfg.Changes,
		recordHistory: cfg.RecordHistory,
		recorder:      recorder,
		clock:         clock,
		logger:        logger,
	}
}

// Now returns the evaluation time.
func (b *Base) Now() time.Time { return b.clock.Now() }

// Logger returns the base logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Store returns the storage collaborator.
func (b *Base) Store() AlarmStore { return b.store }

// InTimeConstraint reports whether alarm may be evaluated now. A malformed
// constraint is logged and treated as outside.
func (b *Base) InTimeConstraint(ctx context.Context, alarm *types.Alarm) bool {
	ok, err := WithinTimeConstraint(alarm.TimeConstraints, b.Now())
	if err != nil {
		b.logger.WarnContext(ctx, "invalid time constraint, skipping alarm",
			"alarm_id", alarm.AlarmID,
			"error", err,
		)
		return false
	}
	if !ok {
		b.logger.DebugContext(ctx, "alarm outside its time constraints",
			"alarm_id", alarm.AlarmID,
		)
	}
	return ok
}

// Refresh moves alarm to state. It is the only place alarms are mutated.
//
// The transition is persisted when the state changes or alwaysRecord is
// set; an alarm deleted in the meantime is abandoned without history or
// notification. Without a change, repeat_actions alarms are notified again
// and nothing is written. All failures are logged; the result is false only
// when a required write did not happen.
func (b *Base) Refresh(ctx context.Context, alarm *types.Alarm, state types.AlarmState, reason string, reasonData map[string]any, alwaysRecord bool) bool {
	previous := alarm.State
	alarm.State = state
	alarm.StateReason = reason

	switch {
	case previous != state || alwaysRecord:
		if previous != state {
			alarm.StateTimestamp = b.Now()
		}
		b.logger.InfoContext(ctx, "updating alarm state",
			"alarm_id", alarm.AlarmID,
			"previous", string(previous),
			"state", string(state),
			"reason", reason,
		)
		if _, err := b.store.UpdateAlarm(ctx, alarm); err != nil {
			if errors.Is(err, types.ErrAlarmNotFound) {
				b.logger.WarnContext(ctx, "alarm deleted during evaluation, transition abandoned",
					"alarm_id", alarm.AlarmID,
				)
				return false
			}
			b.logger.ErrorContext(ctx, "alarm state update failed",
				"alarm_id", alarm.AlarmID,
				"error", err,
			)
			return false
		}
		b.recorder.RecordTransition(alarm.Type, previous, state)
		b.recordChange(ctx, alarm, reason)
		b.notify(ctx, alarm, previous, reason, reasonData)

	case alarm.RepeatActions:
		b.notify(ctx, alarm, previous, reason, reasonData)
	}
	return true
}

func (b *Base) recordChange(ctx context.Context, alarm *types.Alarm, reason string) {
	if !b.recordHistory {
		return
	}
	detail, err := json.Marshal(map[string]string{
		"state":             string(alarm.State),
		"transition_reason": reason,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode alarm change detail", "alarm_id", alarm.AlarmID, "error", err)
		return
	}
	change := types.AlarmChange{
		EventID:    uuid.NewString(),
		AlarmID:    alarm.AlarmID,
		Type:       types.ChangeStateTransition,
		Detail:     string(detail),
		UserID:     alarm.UserID,
		ProjectID:  alarm.ProjectID,
		OnBehalfOf: alarm.ProjectID,
		Timestamp:  b.Now(),
		Severity:   alarm.Severity,
	}
	if err := b.store.RecordAlarmChange(ctx, change); err != nil && !errors.Is(err, types.ErrNotImplemented) {
		b.logger.ErrorContext(ctx, "failed to record alarm change",
			"alarm_id", alarm.AlarmID,
			"error", err,
		)
	}
	if b.changes == nil {
		return
	}
	if err := b.changes.PublishChange(ctx, change); err != nil {
		b.logger.ErrorContext(ctx, "failed to publish alarm change",
			"alarm_id", alarm.AlarmID,
			"error", err,
		)
	}
}

func (b *Base) notify(ctx context.Context, alarm *types.Alarm, previous types.AlarmState, reason string, reasonData map[string]any) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, alarm, previous, reason, reasonData); err != nil {
		b.logger.ErrorContext(ctx, "alarm notification failed",
			"alarm_id", alarm.AlarmID,
			"state", string(alarm.State),
			"error", err,
		)
	}
}
