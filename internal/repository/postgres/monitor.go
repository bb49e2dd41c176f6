package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// MonitorRepository implements repository.MonitorRepository against the
// http_monitors table (spec.md §6).
type MonitorRepository struct{}

var _ repository.MonitorRepository = MonitorRepository{}

func (MonitorRepository) SelectBatchForPing(ctx context.Context, q repository.Querier, now time.Time, limit int) ([]*domain.HttpMonitor, error) {
	stmt := `SELECT id, organization_id, url, request_headers, metadata, interval_seconds,
			request_timeout_seconds, recovery_confirmation_threshold, downtime_confirmation_threshold,
			notify_email, notify_push, notify_sms, status, status_counter, error_kind, last_http_code,
			first_ping_at, last_ping_at, next_ping_at, last_status_change_at, archived_at
		FROM http_monitors
		WHERE next_ping_at <= ` + placeholder(1) + ` AND status NOT IN (` + placeholder(2) + `, ` + placeholder(3) + `)
		ORDER BY next_ping_at ASC
		LIMIT ` + placeholder(4) + `
		FOR UPDATE SKIP LOCKED`

	rows, err := q.QueryContext(ctx, stmt, now, int(domain.MonitorStatusInactive), int(domain.MonitorStatusArchived), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select monitor batch for ping: %w", err)
	}
	defer rows.Close()

	var monitors []*domain.HttpMonitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monitor batch: %w", err)
	}
	return monitors, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (*domain.HttpMonitor, error) {
	var (
		m             domain.HttpMonitor
		headersRaw    []byte
		metadataRaw   []byte
		intervalSecs  int
		timeoutSecs   int
		lastHTTPCode  sql.NullInt64
		firstPingAt   sql.NullTime
		lastPingAt    sql.NullTime
		nextPingAt    sql.NullTime
		lastStatusAt  sql.NullTime
		archivedAt    sql.NullTime
	)

	if err := row.Scan(&m.ID, &m.OrgID, &m.URL, &headersRaw, &metadataRaw, &intervalSecs,
		&timeoutSecs, &m.RecoveryConfirmationThreshold, &m.DowntimeConfirmationThreshold,
		&m.NotifyEmail, &m.NotifyPush, &m.NotifySMS, &m.Status, &m.StatusCounter, &m.ErrorKind,
		&lastHTTPCode, &firstPingAt, &lastPingAt, &nextPingAt, &lastStatusAt, &archivedAt); err != nil {
		return nil, fmt.Errorf("failed to scan http monitor: %w", err)
	}

	m.Interval = time.Duration(intervalSecs) * time.Second
	m.RequestTimeout = time.Duration(timeoutSecs) * time.Second

	if err := unmarshalJSON(headersRaw, &m.Headers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataRaw, &m.Metadata); err != nil {
		return nil, err
	}
	if lastHTTPCode.Valid {
		v := int(lastHTTPCode.Int64)
		m.LastHTTPCode = &v
	}
	if firstPingAt.Valid {
		m.FirstPingAt = &firstPingAt.Time
	}
	if lastPingAt.Valid {
		m.LastPingAt = &lastPingAt.Time
	}
	if nextPingAt.Valid {
		m.NextPingAt = &nextPingAt.Time
	}
	if lastStatusAt.Valid {
		m.LastStatusChangeAt = &lastStatusAt.Time
	}
	if archivedAt.Valid {
		m.ArchivedAt = &archivedAt.Time
	}

	return &m, nil
}

func (MonitorRepository) Get(ctx context.Context, q repository.Querier, orgID, id domain.MonitorID) (*domain.HttpMonitor, error) {
	stmt := `SELECT id, organization_id, url, request_headers, metadata, interval_seconds,
			request_timeout_seconds, recovery_confirmation_threshold, downtime_confirmation_threshold,
			notify_email, notify_push, notify_sms, status, status_counter, error_kind, last_http_code,
			first_ping_at, last_ping_at, next_ping_at, last_status_change_at, archived_at
		FROM http_monitors WHERE organization_id = ` + placeholder(1) + ` AND id = ` + placeholder(2)

	m, err := scanMonitor(q.QueryRowContext(ctx, stmt, orgID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("http monitor not found: %w", sql.ErrNoRows)
		}
		return nil, err
	}
	return m, nil
}

func (MonitorRepository) Save(ctx context.Context, q repository.Querier, m *domain.HttpMonitor) error {
	headers, err := marshalJSON(m.Headers)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return err
	}

	stmt := `INSERT INTO http_monitors (
			id, organization_id, url, request_headers, metadata, interval_seconds, request_timeout_seconds,
			recovery_confirmation_threshold, downtime_confirmation_threshold, notify_email, notify_push,
			notify_sms, status, status_counter, error_kind, last_http_code, first_ping_at, last_ping_at,
			next_ping_at, last_status_change_at, archived_at
		) VALUES (` + placeholders(21) + `)
		ON CONFLICT (organization_id, id) DO UPDATE SET
			url = EXCLUDED.url,
			request_headers = EXCLUDED.request_headers,
			metadata = EXCLUDED.metadata,
			interval_seconds = EXCLUDED.interval_seconds,
			request_timeout_seconds = EXCLUDED.request_timeout_seconds,
			recovery_confirmation_threshold = EXCLUDED.recovery_confirmation_threshold,
			downtime_confirmation_threshold = EXCLUDED.downtime_confirmation_threshold,
			notify_email = EXCLUDED.notify_email,
			notify_push = EXCLUDED.notify_push,
			notify_sms = EXCLUDED.notify_sms,
			status = EXCLUDED.status,
			status_counter = EXCLUDED.status_counter,
			error_kind = EXCLUDED.error_kind,
			last_http_code = EXCLUDED.last_http_code,
			first_ping_at = EXCLUDED.first_ping_at,
			last_ping_at = EXCLUDED.last_ping_at,
			next_ping_at = EXCLUDED.next_ping_at,
			last_status_change_at = EXCLUDED.last_status_change_at,
			archived_at = EXCLUDED.archived_at`

	_, err = q.ExecContext(ctx, stmt,
		m.ID, m.OrgID, m.URL, headers, metadata, int(m.Interval.Seconds()), int(m.RequestTimeout.Seconds()),
		m.RecoveryConfirmationThreshold, m.DowntimeConfirmationThreshold, m.NotifyEmail, m.NotifyPush,
		m.NotifySMS, int(m.Status), m.StatusCounter, int(m.ErrorKind), m.LastHTTPCode, m.FirstPingAt,
		m.LastPingAt, m.NextPingAt, m.LastStatusChangeAt, m.ArchivedAt)
	if err != nil {
		return fmt.Errorf("failed to save http monitor: %w", err)
	}
	return nil
}

func (MonitorRepository) ToggleActive(ctx context.Context, q repository.Querier, orgID, id domain.MonitorID, active bool, now time.Time) error {
	var stmt string
	var args []any
	if active {
		stmt = `UPDATE http_monitors SET status = ` + placeholder(1) + `, next_ping_at = ` + placeholder(2) +
			`, status_counter = 1 WHERE organization_id = ` + placeholder(3) + ` AND id = ` + placeholder(4)
		args = []any{int(domain.MonitorStatusUnknown), now, orgID, id}
	} else {
		stmt = `UPDATE http_monitors SET status = ` + placeholder(1) + `, next_ping_at = NULL
			WHERE organization_id = ` + placeholder(2) + ` AND id = ` + placeholder(3)
		args = []any{int(domain.MonitorStatusInactive), orgID, id}
	}

	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to toggle http monitor active state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected toggling monitor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("http monitor not found: %w", sql.ErrNoRows)
	}
	return nil
}
