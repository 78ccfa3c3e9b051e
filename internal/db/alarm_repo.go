package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"alarmeval/internal/types"
)

// AlarmRepository provides data access for the alarms and alarm_history
// tables. It is the storage collaborator of the evaluators: evaluators read
// alarms, persist state transitions and append history; creating or editing
// alarms belongs to the administrative API.
//
//	alarms(alarm_id PK, name, description, project_id, user_id, type,
//	       enabled, severity, rule JSONB, state, state_reason,
//	       state_timestamp, repeat_actions, time_constraints JSONB,
//	       ok_actions TEXT[], alarm_actions TEXT[],
//	       insufficient_data_actions TEXT[], timestamp)
//	alarm_history(event_id PK, alarm_id, type, detail, user_id,
//	       project_id, on_behalf_of, timestamp, severity)
type AlarmRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewAlarmRepository creates a new AlarmRepository backed by the given
// database connection (pool or transaction).
func NewAlarmRepository(db DBTX, logger *slog.Logger) *AlarmRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlarmRepository{db: db, logger: logger}
}

// rowDecodeError marks a row that was read but whose JSON columns do not
// decode. It concerns that alarm only.
type rowDecodeError struct {
	alarmID string
	err     error
}

func (e *rowDecodeError) Error() string {
	return fmt.Sprintf("decoding time_constraints of alarm %s: %v", e.alarmID, e.err)
}

func (e *rowDecodeError) Unwrap() error { return e.err }

const alarmColumns = `alarm_id, name, description, project_id, user_id, type,
	enabled, severity, rule, state, state_reason, state_timestamp,
	repeat_actions, time_constraints, ok_actions, alarm_actions,
	insufficient_data_actions, timestamp`

func scanAlarm(row pgx.Row) (*types.Alarm, error) {
	var (
		a           types.Alarm
		description *string
		severity    *string
		rule        []byte
		constraints []byte
	)
	err := row.Scan(
		&a.AlarmID,
		&a.Name,
		&description,
		&a.ProjectID,
		&a.UserID,
		&a.Type,
		&a.Enabled,
		&severity,
		&rule,
		&a.State,
		&a.StateReason,
		&a.StateTimestamp,
		&a.RepeatActions,
		&constraints,
		&a.OKActions,
		&a.AlarmActions,
		&a.InsufficientDataActions,
		&a.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if description != nil {
		a.Description = *description
	}
	if severity != nil {
		a.Severity = *severity
	}
	a.Rule = json.RawMessage(rule)
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &a.TimeConstraints); err != nil {
			return nil, &rowDecodeError{alarmID: a.AlarmID, err: err}
		}
	}
	return &a, nil
}

// GetAlarms returns the alarms matching filter, ordered by alarm_id.
func (r *AlarmRepository) GetAlarms(ctx context.Context, filter types.AlarmFilter) ([]*types.Alarm, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Enabled != nil {
		add("enabled = $%d", *filter.Enabled)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.ExcludeType != "" {
		add("type <> $%d", string(filter.ExcludeType))
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.AlarmID != "" {
		add("alarm_id = $%d", filter.AlarmID)
	}

	query := `SELECT ` + alarmColumns + ` FROM alarms`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY alarm_id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query alarms", err)
	}
	defer rows.Close()

	var results []*types.Alarm
	for rows.Next() {
		a, scanErr := scanAlarm(rows)
		var decodeErr *rowDecodeError
		if errors.As(scanErr, &decodeErr) {
			// One malformed alarm must not hide the others from evaluation.
			r.logger.ErrorContext(ctx, "skipping alarm with malformed row",
				"alarm_id", decodeErr.alarmID,
				"error", decodeErr.err,
			)
			continue
		}
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan alarm row", scanErr)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating alarm rows", err)
	}
	return results, nil
}

// UpdateAlarm persists the evaluated state of an alarm. Only the columns
// evaluators own are written, so a concurrent rule edit through the API is
// never overwritten by an evaluation. Returns an error wrapping
// types.ErrAlarmNotFound when the alarm has been deleted.
func (r *AlarmRepository) UpdateAlarm(ctx context.Context, a *types.Alarm) (*types.Alarm, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE alarms SET
			state = $1,
			state_reason = $2,
			state_timestamp = $3,
			timestamp = $4
		 WHERE alarm_id = $5`,
		string(a.State),
		a.StateReason,
		a.StateTimestamp,
		time.Now().UTC(),
		a.AlarmID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update alarm", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundAlarm, "alarm not found", types.ErrAlarmNotFound)
	}
	return a, nil
}

// RecordAlarmChange appends a history record.
func (r *AlarmRepository) RecordAlarmChange(ctx context.Context, c types.AlarmChange) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO alarm_history
			(event_id, alarm_id, type, detail, user_id, project_id, on_behalf_of, timestamp, severity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.EventID,
		c.AlarmID,
		string(c.Type),
		c.Detail,
		nilIfEmpty(c.UserID),
		nilIfEmpty(c.ProjectID),
		nilIfEmpty(c.OnBehalfOf),
		c.Timestamp,
		nilIfEmpty(c.Severity),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record alarm change", err)
	}
	return nil
}

// GetAlarmChanges returns up to limit history records of an alarm, newest
// first. A limit <= 0 returns every record.
func (r *AlarmRepository) GetAlarmChanges(ctx context.Context, alarmID string, limit int) ([]types.AlarmChange, error) {
	query := `SELECT event_id, alarm_id, type, detail, user_id, project_id, on_behalf_of, timestamp, severity
		 FROM alarm_history
		 WHERE alarm_id = $1
		 ORDER BY timestamp DESC`
	args := []any{alarmID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query alarm history", err)
	}
	defer rows.Close()

	var changes []types.AlarmChange
	for rows.Next() {
		var (
			c                                      types.AlarmChange
			userID, projectID, onBehalf, severity *string
		)
		if err := rows.Scan(&c.EventID, &c.AlarmID, &c.Type, &c.Detail,
			&userID, &projectID, &onBehalf, &c.Timestamp, &severity); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan alarm history row", err)
		}
		c.UserID = derefString(userID)
		c.ProjectID = derefString(projectID)
		c.OnBehalfOf = derefString(onBehalf)
		c.Severity = derefString(severity)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating alarm history rows", err)
	}
	return changes, nil
}

// Ping verifies database connectivity. Used as a health probe.
func (r *AlarmRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("database ping timed out: %w", err)
		}
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
