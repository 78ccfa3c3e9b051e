package notifications

import (
	"context"
	"log/slog"

	"alarmeval/internal/types"
)

// ChangeMessage is the alarm.state_transition bus payload.
type ChangeMessage struct {
	EventType string `json:"event_type"`
	types.AlarmChange
}

// HistoryPublisher implements evaluator.ChangePublisher.
type HistoryPublisher struct {
	pub queuePublisher
}

// NewHistoryPublisher creates a publisher for alarm history records.
func NewHistoryPublisher(client SQSSender, queueURL string, logger *slog.Logger) *HistoryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryPublisher{pub: queuePublisher{client: client, queueURL: queueURL, logger: logger}}
}

// PublishChange sends change as an alarm.state_transition message.
func (h *HistoryPublisher) PublishChange(ctx context.Context, change types.AlarmChange) error {
	return h.pub.send(ctx, types.EventAlarmStateTransition, change.AlarmID, ChangeMessage{
		EventType:   types.EventAlarmStateTransition,
		AlarmChange: change,
	})
}
