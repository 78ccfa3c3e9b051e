package types

import (
	"encoding/json"
	"time"
)

// Alarm is a persistent rule together with its last evaluated state.
// Rule holds the type-specific rule document; use the Decode* helpers in
// rules.go to obtain a typed view.
type Alarm struct {
	AlarmID     string   `json:"alarm_id" db:"alarm_id"`
	Name        string   `json:"name" db:"name"`
	Description string   `json:"description,omitempty" db:"description"`
	ProjectID   string   `json:"project_id" db:"project_id"`
	UserID      string   `json:"user_id" db:"user_id"`
	Type        RuleType `json:"type" db:"type"`
	Enabled     bool     `json:"enabled" db:"enabled"`
	Severity    string   `json:"severity" db:"severity"`

	Rule json.RawMessage `json:"rule" db:"rule"`

	State          AlarmState `json:"state" db:"state"`
	StateReason    string     `json:"state_reason" db:"state_reason"`
	StateTimestamp time.Time  `json:"state_timestamp" db:"state_timestamp"`
	RepeatActions  bool       `json:"repeat_actions" db:"repeat_actions"`

	TimeConstraints []TimeConstraint `json:"time_constraints" db:"time_constraints"`

	OKActions               []string `json:"ok_actions" db:"ok_actions"`
	AlarmActions            []string `json:"alarm_actions" db:"alarm_actions"`
	InsufficientDataActions []string `json:"insufficient_data_actions" db:"insufficient_data_actions"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// ActionsFor returns the action list configured for the given terminal state.
func (a *Alarm) ActionsFor(state AlarmState) []string {
	switch state {
	case AlarmStateOK:
		return a.OKActions
	case AlarmStateAlarm:
		return a.AlarmActions
	case AlarmStateInsufficientData:
		return a.InsufficientDataActions
	default:
		return nil
	}
}

// Clone returns a copy of the alarm that shares no slices with the original.
func (a *Alarm) Clone() *Alarm {
	c := *a
	c.Rule = append(json.RawMessage(nil), a.Rule...)
	c.TimeConstraints = append([]TimeConstraint(nil), a.TimeConstraints...)
	c.OKActions = append([]string(nil), a.OKActions...)
	c.AlarmActions = append([]string(nil), a.AlarmActions...)
	c.InsufficientDataActions = append([]string(nil), a.InsufficientDataActions...)
	return &c
}

// TimeConstraint is a recurring window during which an alarm is evaluated.
// Start is a standard 5-field cron expression; Duration is in seconds.
type TimeConstraint struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start" validate:"required"`
	Duration    int    `json:"duration" validate:"gt=0"`
	Timezone    string `json:"timezone,omitempty"`
}

// AlarmChange is an append-only history record.
type AlarmChange struct {
	EventID    string          `json:"event_id" db:"event_id"`
	AlarmID    string          `json:"alarm_id" db:"alarm_id"`
	Type       AlarmChangeType `json:"type" db:"type"`
	Detail     string          `json:"detail" db:"detail"`
	UserID     string          `json:"user_id" db:"user_id"`
	ProjectID  string          `json:"project_id" db:"project_id"`
	OnBehalfOf string          `json:"on_behalf_of" db:"on_behalf_of"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	Severity   string          `json:"severity" db:"severity"`
}

// AlarmFilter narrows GetAlarms queries. Zero values mean "no filter".
type AlarmFilter struct {
	Enabled     *bool
	Type        RuleType
	ExcludeType RuleType
	ProjectID   string
	AlarmID     string
}

// Datapoint is one aggregated statistic returned by a metric backend.
// Granularity is expressed in seconds.
type Datapoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Granularity int       `json:"granularity"`
	Value       float64   `json:"value"`
	SampleCount float64   `json:"sample_count"`
}

// NotificationMessage is the payload published for every alarm
// notification. Actions carries every destination configured for the
// alarm's new state; delivery is left to downstream workers.
type NotificationMessage struct {
	EventType  string         `json:"event_type"`
	Actions    []string       `json:"actions"`
	AlarmID    string         `json:"alarm_id"`
	AlarmName  string         `json:"alarm_name"`
	Severity   string         `json:"severity"`
	Previous   AlarmState     `json:"previous"`
	Current    AlarmState     `json:"current"`
	Reason     string         `json:"reason"`
	ReasonData map[string]any `json:"reason_data"`
	Timestamp  time.Time      `json:"timestamp"`
}
