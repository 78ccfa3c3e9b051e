package notifications

import (
	"context"
	"log/slog"

	"alarmeval/internal/types"
)

// NotifierConfig configures an SQSNotifier.
type NotifierConfig struct {
	Client   SQSSender
	QueueURL string
	Clock    types.Clock
	Logger   *slog.Logger
}

// SQSNotifier implements evaluator.Notifier by publishing one alarm.update
// message per notification. Action delivery is left to the consumers of the
// queue.
type SQSNotifier struct {
	pub   queuePublisher
	clock types.Clock
}

// NewSQSNotifier creates a notifier targeting cfg.QueueURL.
func NewSQSNotifier(cfg NotifierConfig) *SQSNotifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SQSNotifier{
		pub:   queuePublisher{client: cfg.Client, queueURL: cfg.QueueURL, logger: logger},
		clock: clock,
	}
}

// Notify publishes the alarm's current state together with every action
// configured for it. Alarms without actions for the state are skipped.
func (n *SQSNotifier) Notify(ctx context.Context, alarm *types.Alarm, previous types.AlarmState, reason string, reasonData map[string]any) error {
	actions := alarm.ActionsFor(alarm.State)
	if len(actions) == 0 {
		n.pub.logger.DebugContext(ctx, "no actions configured for state",
			"alarm_id", alarm.AlarmID,
			"state", string(alarm.State),
		)
		return nil
	}

	msg := types.NotificationMessage{
		EventType:  types.EventAlarmUpdate,
		Actions:    actions,
		AlarmID:    alarm.AlarmID,
		AlarmName:  alarm.Name,
		Severity:   alarm.Severity,
		Previous:   previous,
		Current:    alarm.State,
		Reason:     reason,
		ReasonData: reasonData,
		Timestamp:  n.clock.Now(),
	}
	if err := n.pub.send(ctx, types.EventAlarmUpdate, alarm.AlarmID, msg); err != nil {
		return err
	}

	n.pub.logger.InfoContext(ctx, "alarm notification published",
		"alarm_id", alarm.AlarmID,
		"previous", string(previous),
		"current", string(alarm.State),
		"actions", len(actions),
	)
	return nil
}
