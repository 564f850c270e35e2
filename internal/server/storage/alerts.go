package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

const alertColumns = `
	alert_id, type, severity, status, sensor_id, reading_id::text,
	trigger_snapshot, message, notifications_sent, notification_channels, failed_attempts,
	acknowledgment, resolution, priority, created_at, updated_at`

// InsertAlertUnlessActive persists a unless an alert with the same sensor and
// type is still active and was created at or after since. In that case the
// existing alert is returned with created=false and nothing is written.
//
// The check and the insert run in one transaction holding an advisory lock
// keyed on sensor and type, so concurrent callers on any server instance
// cannot both pass the check.
func (s *Store) InsertAlertUnlessActive(ctx context.Context, a Alert, since time.Time) (Alert, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Alert{}, false, fmt.Errorf("begin alert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	key := a.SensorID + ":" + string(a.Type)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return Alert{}, false, fmt.Errorf("lock alert key %s: %w", key, err)
	}

	row := tx.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM   alerts
		WHERE  sensor_id IS NOT DISTINCT FROM $1
		  AND  type = $2
		  AND  status = 'active'
		  AND  created_at >= $3
		ORDER  BY created_at DESC
		LIMIT  1`,
		nullableStr(a.SensorID), string(a.Type), since,
	)
	existing, err := scanAlert(row)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return Alert{}, false, fmt.Errorf("commit alert tx: %w", err)
		}
		return *existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Alert{}, false, fmt.Errorf("find active alert %s: %w", key, err)
	}

	if err := insertAlert(ctx, tx, a); err != nil {
		return Alert{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Alert{}, false, fmt.Errorf("commit alert tx: %w", err)
	}
	return a, true, nil
}

func insertAlert(ctx context.Context, tx pgx.Tx, a Alert) error {
	var trigger []byte
	if a.Trigger != nil {
		b, err := json.Marshal(a.Trigger)
		if err != nil {
			return fmt.Errorf("marshal trigger: %w", err)
		}
		trigger = b
	}
	message, err := json.Marshal(a.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	channels := a.Notifications.Channels
	if channels == nil {
		channels = []NotificationRecord{}
	}
	chans, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("marshal notification channels: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO alerts
			(alert_id, type, severity, status, sensor_id, reading_id,
			 trigger_snapshot, message, notifications_sent, notification_channels, failed_attempts,
			 priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.AlertID, string(a.Type), string(a.Severity), string(a.Status),
		nullableStr(a.SensorID), nullableStr(a.ReadingID),
		trigger, message, a.Notifications.Sent, chans, a.Notifications.FailedAttempts,
		a.Priority, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.AlertID, err)
	}
	return nil
}

// GetAlert returns the alert with the given id, or an error wrapping
// ErrNotFound.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, alertID)
	a, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, notFound(err))
	}
	return a, nil
}

// TransitionAlert moves an alert to t.To if its current status is one of
// t.From, recording the acknowledgment or resolution carried by t. It
// returns ErrNotFound for an unknown id and ErrConflict when the current
// status is not an allowed predecessor.
func (s *Store) TransitionAlert(ctx context.Context, alertID string, t Transition) (*Alert, error) {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	var ack, res []byte
	var err error
	if t.Acknowledgment != nil {
		if ack, err = json.Marshal(t.Acknowledgment); err != nil {
			return nil, fmt.Errorf("marshal acknowledgment: %w", err)
		}
	}
	if t.Resolution != nil {
		if res, err = json.Marshal(t.Resolution); err != nil {
			return nil, fmt.Errorf("marshal resolution: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE alerts
		SET    status         = $3,
		       acknowledgment = COALESCE($4::jsonb, acknowledgment),
		       resolution     = COALESCE($5::jsonb, resolution),
		       updated_at     = $6
		WHERE  alert_id = $1 AND status = ANY($2)
		RETURNING `+alertColumns,
		alertID, from, string(t.To), ack, res, t.At,
	)
	a, err := scanAlert(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition alert %s: %w", alertID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE alert_id = $1)`, alertID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("transition alert %s: %w", alertID, err)
	}
	if !exists {
		return nil, fmt.Errorf("transition alert %s: %w", alertID, ErrNotFound)
	}
	return nil, fmt.Errorf("transition alert %s to %s: %w", alertID, t.To, ErrConflict)
}

// PatchAlert applies the non-nil fields of p and bumps updated_at.
func (s *Store) PatchAlert(ctx context.Context, alertID string, p AlertPatch, at time.Time) (*Alert, error) {
	var severity, status *string
	if p.Severity != nil {
		v := string(*p.Severity)
		severity = &v
	}
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE alerts
		SET    severity   = COALESCE($2::text, severity),
		       status     = COALESCE($3::text, status),
		       priority   = COALESCE($4::smallint, priority),
		       message    = message || jsonb_strip_nulls(jsonb_build_object(
		                        'title', $5::text,
		                        'description', $6::text,
		                        'actionable', $7::text)),
		       updated_at = $8
		WHERE  alert_id = $1
		RETURNING `+alertColumns,
		alertID, severity, status, p.Priority, p.Title, p.Description, p.Actionable, at,
	)
	a, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("patch alert %s: %w", alertID, notFound(err))
	}
	return a, nil
}

// AppendNotifications appends records to the alert's notification audit,
// marks it sent and adds failed, the number of recipient deliveries that
// failed in this dispatch, to failed_attempts.
func (s *Store) AppendNotifications(ctx context.Context, alertID string, records []NotificationRecord, failed int) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal notification records: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET    notifications_sent    = TRUE,
		       notification_channels = notification_channels || $2::jsonb,
		       failed_attempts       = failed_attempts + $3
		WHERE  alert_id = $1`,
		alertID, raw, failed,
	)
	if err != nil {
		return fmt.Errorf("append notifications %s: %w", alertID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append notifications %s: %w", alertID, ErrNotFound)
	}
	return nil
}

// QueryAlerts returns alerts matching q ordered by created_at DESC.
func (s *Store) QueryAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=limit, $2=offset
	args := []any{q.Limit, q.Offset}
	where := "WHERE TRUE"
	argIdx := 3

	if q.SensorID != "" {
		where += fmt.Sprintf(" AND sensor_id = $%d", argIdx)
		args = append(args, q.SensorID)
		argIdx++
	}
	if q.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*q.Status))
		argIdx++
	}
	if q.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, string(*q.Severity))
	}

	sql := fmt.Sprintf(`
		SELECT %s
		FROM   alerts
		%s
		ORDER  BY created_at DESC, alert_id
		LIMIT  $1 OFFSET $2`, alertColumns, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// AlertStats groups alerts created at or after since by type, severity and
// status.
func (s *Store) AlertStats(ctx context.Context, since time.Time) (*AlertStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, severity, status, count(*)
		FROM   alerts
		WHERE  created_at >= $1
		GROUP  BY type, severity, status
		ORDER  BY type, severity, status`, since)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	defer rows.Close()

	st := &AlertStats{Since: since, Breakdown: []StatsBucket{}}
	for rows.Next() {
		var b StatsBucket
		var typ, sev, status string
		if err := rows.Scan(&typ, &sev, &status, &b.Count); err != nil {
			return nil, fmt.Errorf("scan alert stats: %w", err)
		}
		b.Type, b.Severity, b.Status = AlertType(typ), Severity(sev), AlertStatus(status)
		st.Total += b.Count
		if b.Status == StatusResolved {
			st.Resolved += b.Count
		}
		st.Breakdown = append(st.Breakdown, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts WHERE status = 'active'`).Scan(&st.Active); err != nil {
		return nil, fmt.Errorf("count active alerts: %w", err)
	}
	return st, nil
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var typ, severity, status string
	var sensorID, readingID *string
	var trigger, message, channels, ack, res []byte
	err := s.Scan(
		&a.AlertID, &typ, &severity, &status, &sensorID, &readingID,
		&trigger, &message, &a.Notifications.Sent, &channels, &a.Notifications.FailedAttempts,
		&ack, &res, &a.Priority, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type, a.Severity, a.Status = AlertType(typ), Severity(severity), AlertStatus(status)
	if sensorID != nil {
		a.SensorID = *sensorID
	}
	if readingID != nil {
		a.ReadingID = *readingID
	}
	if len(trigger) > 0 && string(trigger) != "null" {
		a.Trigger = &Trigger{}
		if err := json.Unmarshal(trigger, a.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger: %w", err)
		}
	}
	if err := json.Unmarshal(message, &a.Message); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := unmarshalOptional(channels, &a.Notifications.Channels); err != nil {
		return nil, fmt.Errorf("decode notification channels: %w", err)
	}
	if len(ack) > 0 && string(ack) != "null" {
		a.Acknowledgment = &Acknowledgment{}
		if err := json.Unmarshal(ack, a.Acknowledgment); err != nil {
			return nil, fmt.Errorf("decode acknowledgment: %w", err)
		}
	}
	if len(res) > 0 && string(res) != "null" {
		a.Resolution = &Resolution{}
		if err := json.Unmarshal(res, a.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
	}
	return &a, nil
}
