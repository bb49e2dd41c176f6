package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// TaskRepository implements repository.TaskRepository against the tasks
// table.
type TaskRepository struct{}

var _ repository.TaskRepository = TaskRepository{}

const taskColumns = `id, organization_id, cron_schedule, start_window_seconds, lateness_window_seconds,
	heartbeat_timeout_seconds, notify_email, notify_push, notify_sms, metadata, status, previous_status,
	last_status_change_at, next_due_at`

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t               domain.Task
		cronSchedule    sql.NullString
		startWindow     int
		latenessWindow  int
		heartbeatTO     int
		metadataRaw     []byte
		nextDueAt       sql.NullTime
	)

	if err := row.Scan(&t.ID, &t.OrgID, &cronSchedule, &startWindow, &latenessWindow, &heartbeatTO,
		&t.NotifyEmail, &t.NotifyPush, &t.NotifySMS, &metadataRaw, &t.Status, &t.PreviousStatus,
		&t.LastStatusChangeAt, &nextDueAt); err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	if cronSchedule.Valid {
		t.CronSchedule = &cronSchedule.String
	}
	t.StartWindow = time.Duration(startWindow) * time.Second
	t.LatenessWindow = time.Duration(latenessWindow) * time.Second
	t.HeartbeatTimeout = time.Duration(heartbeatTO) * time.Second
	if err := unmarshalJSON(metadataRaw, &t.Metadata); err != nil {
		return nil, err
	}
	if nextDueAt.Valid {
		t.NextDueAt = &nextDueAt.Time
	}

	return &t, nil
}

func (TaskRepository) Get(ctx context.Context, q repository.Querier, orgID domain.OrganizationID, id domain.TaskID) (*domain.Task, error) {
	stmt := `SELECT ` + taskColumns + ` FROM tasks WHERE organization_id = ` + placeholder(1) + ` AND id = ` + placeholder(2)

	t, err := scanTask(q.QueryRowContext(ctx, stmt, orgID, string(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %w", sql.ErrNoRows)
		}
		return nil, err
	}
	return t, nil
}

func (TaskRepository) Save(ctx context.Context, q repository.Querier, t *domain.Task) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}

	stmt := `INSERT INTO tasks (` + taskColumns + `) VALUES (` + placeholders(14) + `)
		ON CONFLICT (organization_id, id) DO UPDATE SET
			cron_schedule = EXCLUDED.cron_schedule,
			start_window_seconds = EXCLUDED.start_window_seconds,
			lateness_window_seconds = EXCLUDED.lateness_window_seconds,
			heartbeat_timeout_seconds = EXCLUDED.heartbeat_timeout_seconds,
			notify_email = EXCLUDED.notify_email,
			notify_push = EXCLUDED.notify_push,
			notify_sms = EXCLUDED.notify_sms,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			previous_status = EXCLUDED.previous_status,
			last_status_change_at = EXCLUDED.last_status_change_at,
			next_due_at = EXCLUDED.next_due_at`

	_, err = q.ExecContext(ctx, stmt, string(t.ID), t.OrgID, t.CronSchedule, int(t.StartWindow.Seconds()),
		int(t.LatenessWindow.Seconds()), int(t.HeartbeatTimeout.Seconds()), t.NotifyEmail, t.NotifyPush,
		t.NotifySMS, metadata, int(t.Status), int(t.PreviousStatus), t.LastStatusChangeAt, t.NextDueAt)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (TaskRepository) SelectBatch(ctx context.Context, q repository.Querier, filter repository.TaskFilter) ([]*domain.Task, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.OrgID != nil {
		args = append(args, *filter.OrgID)
		clauses = append(clauses, "organization_id = "+placeholder(len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholdersList := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			args = append(args, int(s))
			placeholdersList[i] = placeholder(len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholdersList, ", ")+")")
	}
	if filter.DueBefore != nil {
		args = append(args, *filter.DueBefore)
		clauses = append(clauses, "next_due_at <= "+placeholder(len(args)))
	}

	stmt := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY next_due_at ASC NULLS LAST"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		stmt += " LIMIT " + placeholder(len(args))
	}
	stmt += " FOR UPDATE SKIP LOCKED"

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select task batch: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task batch: %w", err)
	}
	return tasks, nil
}

// TaskRunRepository implements repository.TaskRunRepository against the
// task_runs table. A run's identity is (organization_id, task_id,
// started_at), mirroring domain.TaskRunCause's documented key.
type TaskRunRepository struct{}

var _ repository.TaskRunRepository = TaskRunRepository{}

const taskRunColumns = `organization_id, task_id, started_at, status, updated_at, completed_at,
	last_heartbeat_at, exit_code, error_message`

func scanTaskRun(row rowScanner) (*domain.TaskRun, error) {
	var (
		r           domain.TaskRun
		completedAt sql.NullTime
		lastHB      sql.NullTime
		exitCode    sql.NullInt64
		errMsg      sql.NullString
	)

	if err := row.Scan(&r.OrgID, &r.TaskID, &r.StartedAt, &r.Status, &r.UpdatedAt, &completedAt,
		&lastHB, &exitCode, &errMsg); err != nil {
		return nil, fmt.Errorf("failed to scan task run: %w", err)
	}

	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if lastHB.Valid {
		r.LastHeartbeatAt = &lastHB.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if errMsg.Valid {
		r.ErrorMessage = &errMsg.String
	}

	return &r, nil
}

// GetCurrent returns the most recently started non-terminal run for a task,
// if any.
func (TaskRunRepository) GetCurrent(ctx context.Context, q repository.Querier, orgID domain.OrganizationID, taskID domain.TaskID) (*domain.TaskRun, error) {
	stmt := `SELECT ` + taskRunColumns + ` FROM task_runs
		WHERE organization_id = ` + placeholder(1) + ` AND task_id = ` + placeholder(2) + `
			AND status = ` + placeholder(3) + `
		ORDER BY started_at DESC
		LIMIT 1`

	r, err := scanTaskRun(q.QueryRowContext(ctx, stmt, orgID, string(taskID), int(domain.TaskRunStatusRunning)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (TaskRunRepository) Save(ctx context.Context, q repository.Querier, r *domain.TaskRun) error {
	stmt := `INSERT INTO task_runs (` + taskRunColumns + `) VALUES (` + placeholders(9) + `)
		ON CONFLICT (organization_id, task_id, started_at) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			exit_code = EXCLUDED.exit_code,
			error_message = EXCLUDED.error_message`

	_, err := q.ExecContext(ctx, stmt, r.OrgID, string(r.TaskID), r.StartedAt, int(r.Status), r.UpdatedAt,
		r.CompletedAt, r.LastHeartbeatAt, r.ExitCode, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to save task run: %w", err)
	}
	return nil
}

// SelectRunningPastHeartbeatTimeout joins to the parent task to find running
// runs whose last heartbeat (or start, absent one) is older than the task's
// configured heartbeat_timeout — the Dead Task-Run Collector's candidate set.
func (TaskRunRepository) SelectRunningPastHeartbeatTimeout(ctx context.Context, q repository.Querier, now time.Time, limit int) ([]*domain.TaskRun, error) {
	stmt := `SELECT tr.organization_id, tr.task_id, tr.started_at, tr.status, tr.updated_at,
			tr.completed_at, tr.last_heartbeat_at, tr.exit_code, tr.error_message
		FROM task_runs tr
		JOIN tasks t ON t.organization_id = tr.organization_id AND t.id = tr.task_id
		WHERE tr.status = ` + placeholder(1) + `
			AND COALESCE(tr.last_heartbeat_at, tr.started_at) <= ` + placeholder(2) + ` - (t.heartbeat_timeout_seconds * INTERVAL '1 second')
		ORDER BY tr.started_at ASC
		LIMIT ` + placeholder(3) + `
		FOR UPDATE OF tr SKIP LOCKED`

	rows, err := q.QueryContext(ctx, stmt, int(domain.TaskRunStatusRunning), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select dead task run candidates: %w", err)
	}
	defer rows.Close()

	var runs []*domain.TaskRun
	for rows.Next() {
		r, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead task run candidates: %w", err)
	}
	return runs, nil
}

// DeleteTerminalOlderThan prunes Dead/Aborted/Finished/Failed runs completed
// before cutoff, per original_source's clear_dead_task_runs_use_case.
func (TaskRunRepository) DeleteTerminalOlderThan(ctx context.Context, q repository.Querier, cutoff time.Time) (int64, error) {
	stmt := `DELETE FROM task_runs
		WHERE status != ` + placeholder(1) + `
			AND completed_at IS NOT NULL
			AND completed_at < ` + placeholder(2)

	res, err := q.ExecContext(ctx, stmt, int(domain.TaskRunStatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal task runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected deleting task runs: %w", err)
	}
	return n, nil
}
