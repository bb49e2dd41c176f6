// Package repository defines the ports the core components depend on: a
// transactional unit of work plus one repository interface per aggregate.
// Every component (executor, coordinator, collectors, materializer) is
// constructed with these interfaces, never with a concrete driver, so the
// in-memory test double in repository/memory and the Postgres implementation
// in repository/postgres are interchangeable.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Repository methods take
// one explicitly rather than closing over a single shared handle, so a
// caller can run a sequence of repository calls inside one transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork opens one transaction per batch. fn receives a Querier bound to
// that transaction; returning an error rolls the transaction back, anything
// else commits it.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error
}

// MonitorRepository is the HttpMonitor aggregate port.
type MonitorRepository interface {
	// SelectBatchForPing claims up to limit monitors whose next_ping_at has
	// elapsed and whose status is active, using SELECT ... FOR UPDATE SKIP
	// LOCKED so concurrent workers never claim the same monitor in the same
	// tick.
	SelectBatchForPing(ctx context.Context, q Querier, now time.Time, limit int) ([]*domain.HttpMonitor, error)
	Save(ctx context.Context, q Querier, m *domain.HttpMonitor) error
	Get(ctx context.Context, q Querier, orgID, id domain.MonitorID) (*domain.HttpMonitor, error)
	// ToggleActive sets Inactive (clearing next_ping_at) or reactivates a
	// monitor (setting next_ping_at to now), per original_source's
	// toggle_http_monitor_use_case.
	ToggleActive(ctx context.Context, q Querier, orgID, id domain.MonitorID, active bool, now time.Time) error
}

// TaskFilter selects candidate tasks for the scheduled-task collectors.
type TaskFilter struct {
	OrgID      *domain.OrganizationID
	Statuses   []domain.TaskStatus
	DueBefore  *time.Time
	Limit      int
}

// TaskRepository is the Task aggregate port (without its current run).
type TaskRepository interface {
	Get(ctx context.Context, q Querier, orgID domain.OrganizationID, id domain.TaskID) (*domain.Task, error)
	Save(ctx context.Context, q Querier, t *domain.Task) error
	SelectBatch(ctx context.Context, q Querier, filter TaskFilter) ([]*domain.Task, error)
}

// TaskRunRepository is the TaskRun aggregate port.
type TaskRunRepository interface {
	GetCurrent(ctx context.Context, q Querier, orgID domain.OrganizationID, taskID domain.TaskID) (*domain.TaskRun, error)
	Save(ctx context.Context, q Querier, r *domain.TaskRun) error
	// SelectRunningPastHeartbeatTimeout claims running task runs whose last
	// heartbeat is older than their parent task's heartbeat_timeout, joined
	// to the parent task, using SELECT ... FOR UPDATE SKIP LOCKED.
	SelectRunningPastHeartbeatTimeout(ctx context.Context, q Querier, now time.Time, limit int) ([]*domain.TaskRun, error)
	// DeleteTerminalOlderThan prunes Dead/Aborted/Finished/Failed runs completed
	// before the cutoff (original_source's clear_dead_task_runs_use_case).
	DeleteTerminalOlderThan(ctx context.Context, q Querier, cutoff time.Time) (int64, error)
}

// IncidentFilter supports the (out-of-scope-API-facing) list query that
// original_source's list_incidents_use_case exposes.
type IncidentFilter struct {
	OrgID      domain.OrganizationID
	Status     *domain.IncidentStatus
	Priority   *domain.IncidentPriority
	SourceType *domain.IncidentSourceType
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// IncidentRepository is the Incident aggregate port.
type IncidentRepository interface {
	Create(ctx context.Context, q Querier, inc *domain.Incident) error
	Save(ctx context.Context, q Querier, inc *domain.Incident) error
	Get(ctx context.Context, q Querier, orgID, id domain.IncidentID) (*domain.Incident, error)
	// GetOpenBySource finds the unresolved incident, if any, for a given
	// source discriminator. Every caller that might create an incident must
	// call this first: it is what prevents duplicate incidents for the same
	// observed problem (spec §8 round-trip law).
	GetOpenBySource(ctx context.Context, q Querier, orgID domain.OrganizationID, sourceType domain.IncidentSourceType, sourceID string) (*domain.Incident, error)
	List(ctx context.Context, q Querier, filter IncidentFilter) ([]*domain.Incident, error)
}

// IncidentEventRepository appends to the append-only timeline.
type IncidentEventRepository interface {
	Append(ctx context.Context, q Querier, ev *domain.IncidentEvent) error
	AppendMany(ctx context.Context, q Querier, evs []*domain.IncidentEvent) error
	ListByIncident(ctx context.Context, q Querier, orgID, incidentID domain.IncidentID) ([]*domain.IncidentEvent, error)
}

// IncidentNotificationRepository is the pending-notification queue.
type IncidentNotificationRepository interface {
	Upsert(ctx context.Context, q Querier, n *domain.IncidentNotification) error
	CancelForIncident(ctx context.Context, q Querier, orgID, incidentID domain.IncidentID) error
	// ClaimBatch selects and deletes up to limit due rows atomically (within
	// the caller's transaction) using SELECT ... FOR UPDATE SKIP LOCKED.
	ClaimBatch(ctx context.Context, q Querier, now time.Time, limit int) ([]*domain.IncidentNotification, error)
}

// MaintenanceRepository hosts the monthly partition-creation sweep.
type MaintenanceRepository interface {
	EnsurePartitionsForMonth(ctx context.Context, q Querier, month time.Time) error
}
