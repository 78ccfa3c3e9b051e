package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"alarmeval/internal/types"
)

// ErrInvalidEvent marks events missing event_type or message_id, or
// carrying traits that do not convert to their declared type.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a validated bus event with its traits converted to Go values.
type Event struct {
	MessageID string
	EventType string
	ProjectID string
	Traits    map[string]any
	// Raw is the decoded payload, reported back in reason data.
	Raw map[string]any
}

// SplitEventBatch decodes a bus message body holding either one event
// object or a JSON array of events.
func SplitEventBatch(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var batch []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return batch, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: body is neither an object nor an array", ErrInvalidEvent)
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

// ParseEvent validates and decodes one event payload. Traits are
// [name, type, value] triples; the project is taken from the tenant_id or
// project_id trait.
func ParseEvent(raw json.RawMessage) (*Event, error) {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev := &Event{Raw: obj, Traits: make(map[string]any)}

	ev.EventType, _ = obj["event_type"].(string)
	ev.MessageID, _ = obj["message_id"].(string)
	if ev.EventType == "" || ev.MessageID == "" {
		return nil, fmt.Errorf("%w: event_type and message_id are required", ErrInvalidEvent)
	}

	traits, _ := obj["traits"].([]any)
	for _, t := range traits {
		triple, ok := t.([]any)
		if !ok || len(triple) != 3 {
			return nil, fmt.Errorf("%w: malformed trait %v", ErrInvalidEvent, t)
		}
		name, ok := triple[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: trait name %v is not a string", ErrInvalidEvent, triple[0])
		}
		v, err := convertTrait(triple[2], traitType(triple[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: trait %s: %v", ErrInvalidEvent, name, err)
		}
		ev.Traits[name] = v
		if name == "tenant_id" || name == "project_id" {
			ev.ProjectID = fmt.Sprint(v)
		}
	}
	return ev, nil
}

// traitType maps the numeric trait type codes of the event bus (1 string,
// 2 integer, 3 float, 4 datetime) and their names to a TraitType.
func traitType(v any) types.TraitType {
	switch t := v.(type) {
	case json.Number:
		switch t.String() {
		case "2":
			return types.TraitInteger
		case "3":
			return types.TraitFloat
		case "4":
			return types.TraitDatetime
		}
	case string:
		return types.TraitType(t)
	}
	return types.TraitString
}

func convertTrait(v any, typ types.TraitType) (any, error) {
	s := fmt.Sprint(v)
	switch typ {
	case types.TraitInteger:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	case types.TraitFloat:
		return strconv.ParseFloat(s, 64)
	case types.TraitDatetime:
		return parseDatetime(s)
	default:
		return s, nil
	}
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}

// Value returns the event value addressed by field: "traits.<name>" reads a
// trait, anything else walks the payload by dotted path. Missing is nil.
func (e *Event) Value(field string) any {
	if name, ok := strings.CutPrefix(field, "traits."); ok {
		return e.Traits[name]
	}
	var v any = e.Raw
	for _, part := range strings.Split(field, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[part]
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	}
	return v
}

// matchCondition evaluates one condition against the event. A missing
// value never matches.
func matchCondition(ev *Event, c types.EventCondition) (bool, error) {
	actual := ev.Value(c.Field)
	if actual == nil {
		return false, nil
	}
	typ := c.Type
	if typ == "" {
		typ = inferType(c.Value)
	}
	want, err := convertTrait(c.Value, typ)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeValidationInvalidRule,
			fmt.Sprintf("condition on %s: value %q is not a %s", c.Field, c.Value, typ), err)
	}
	op := c.Op
	if op == "" {
		op = "eq"
	}
	cmp, comparable := compareValues(actual, want)
	switch op {
	case "eq":
		return comparable && cmp == 0, nil
	case "ne":
		return !comparable || cmp != 0, nil
	case "lt":
		return comparable && cmp < 0, nil
	case "le":
		return comparable && cmp <= 0, nil
	case "gt":
		return comparable && cmp > 0, nil
	case "ge":
		return comparable && cmp >= 0, nil
	}
	return false, types.NewAppError(types.ErrCodeValidationInvalidRule,
		fmt.Sprintf("unsupported operator %q", op), nil)
}

func inferType(s string) types.TraitType {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.TraitInteger
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return types.TraitFloat
	}
	return types.TraitString
}

// compareValues orders a and b. Numbers compare across int and float;
// values of different kinds are not comparable.
func compareValues(a, b any) (int, bool) {
	if x, ok := asFloat(a); ok {
		y, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// EventConfig configures an EventEvaluator.
type EventConfig struct {
	// CacheTTL is how long a project's alarms are reused. Zero disables
	// the cache.
	CacheTTL time.Duration
}

// EventEvaluator fires event alarms from streamed events. It only ever
// moves alarms into the alarm state; clearing them is left to operators.
type EventEvaluator struct {
	*Base
	cache *projectCache
	mu    sync.Mutex
}

// NewEventEvaluator creates an EventEvaluator.
func NewEventEvaluator(base *Base, cfg EventConfig) *EventEvaluator {
	e := &EventEvaluator{Base: base}
	e.cache = newProjectCache(cfg.CacheTTL, e.loadProjectAlarms)
	return e
}

func (e *EventEvaluator) loadProjectAlarms(ctx context.Context, projectID string) ([]*types.Alarm, error) {
	enabled := true
	return e.store.GetAlarms(ctx, types.AlarmFilter{
		Enabled:   &enabled,
		Type:      types.RuleTypeEvent,
		ProjectID: projectID,
	})
}

// InvalidateProject drops the cached alarms of a project, for instance
// after its alarms were edited.
func (e *EventEvaluator) InvalidateProject(projectID string) {
	e.cache.invalidate(projectID)
}

// EvaluateEvents evaluates a batch of raw events against the event alarms
// of their projects. Invalid events and per-alarm failures are logged and
// skipped; the only error returned is a storage failure loading alarms,
// so callers can redeliver the batch.
func (e *EventEvaluator) EvaluateEvents(ctx context.Context, events []json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.DebugContext(ctx, "starting event alarm evaluation", "events", len(events))
	var loadErrs []error
	for _, raw := range events {
		ev, err := ParseEvent(raw)
		if err != nil {
			e.logger.WarnContext(ctx, "discarding invalid event", "error", err)
			continue
		}
		if ev.ProjectID == "" {
			e.logger.DebugContext(ctx, "event carries no project, no alarms to evaluate",
				"message_id", ev.MessageID,
			)
			continue
		}
		alarms, err := e.cache.getOrRefresh(ctx, ev.ProjectID, e.Now())
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to load event alarms",
				"project_id", ev.ProjectID,
				"message_id", ev.MessageID,
				"error", err,
			)
			loadErrs = append(loadErrs, err)
			continue
		}
		for _, alarm := range alarms {
			if err := e.evaluateAlarm(ctx, alarm, ev); err != nil {
				e.logger.ErrorContext(ctx, "failed to evaluate event alarm",
					"alarm_id", alarm.AlarmID,
					"message_id", ev.MessageID,
					"error", err,
				)
			}
		}
	}
	e.logger.DebugContext(ctx, "finished event alarm evaluation")
	return errors.Join(loadErrs...)
}

func (e *EventEvaluator) evaluateAlarm(ctx context.Context, alarm *types.Alarm, ev *Event) error {
	if alarm.State == types.AlarmStateAlarm && !alarm.RepeatActions {
		e.logger.DebugContext(ctx, "alarm already fired", "alarm_id", alarm.AlarmID)
		return nil
	}
	rule, err := types.DecodeEventRule(alarm.Rule)
	if err != nil {
		return err
	}
	matched, err := path.Match(rule.EventType, ev.EventType)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidRule,
			fmt.Sprintf("bad event type pattern %q", rule.EventType), err)
	}
	if !matched {
		return nil
	}
	for _, c := range rule.Query {
		ok, err := matchCondition(ev, c)
		if err != nil {
			return err
		}
		if !ok {
			e.logger.InfoContext(ctx, "event does not meet alarm condition",
				"alarm_id", alarm.AlarmID,
				"message_id", ev.MessageID,
				"field", c.Field,
			)
			return nil
		}
	}
	return e.fire(ctx, alarm, ev, rule)
}

func (e *EventEvaluator) fire(ctx context.Context, alarm *types.Alarm, ev *Event, rule types.EventRule) error {
	// Maps marshal with sorted keys, which keeps the reason stable.
	conds := make([]map[string]any, len(rule.Query))
	for i, c := range rule.Query {
		conds[i] = map[string]any{"field": c.Field, "op": c.Op, "value": c.Value, "type": string(c.Type)}
	}
	query, err := json.Marshal(conds)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("Event <id=%s,event_type=%s> hits the query <query=%s>.",
		ev.MessageID, ev.EventType, query)
	// The cached alarm only records the fired state once it is stored, so a
	// failed write leaves later events free to fire it.
	working := alarm.Clone()
	if e.Refresh(ctx, working, types.AlarmStateAlarm, reason,
		map[string]any{"type": "event", "event": ev.Raw}, alarm.RepeatActions) {
		e.cache.setState(alarm.ProjectID, alarm.AlarmID, types.AlarmStateAlarm)
	}
	return nil
}
