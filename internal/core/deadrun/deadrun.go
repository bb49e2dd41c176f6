// Package deadrun implements the Dead Task-Run Collector from spec.md §4.4:
// a Running task run whose heartbeat has not been renewed within its task's
// heartbeat_timeout is declared Dead, its task flipped to Failing, and an
// incident opened whose timeline holds Creation, TaskRunStarted,
// TaskRunReceivedLastHeartbeat (only when the run recorded a heartbeat) and
// TaskRunIsDead.
package deadrun

import (
	"context"
	"log/slog"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/core/statemachine"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

type Collector struct {
	Tasks        repository.TaskRepository
	TaskRuns     repository.TaskRunRepository
	UnitOfWork   repository.UnitOfWork
	Materializer *materializer.Materializer
}

func New(tasks repository.TaskRepository, taskRuns repository.TaskRunRepository, uow repository.UnitOfWork, m *materializer.Materializer) *Collector {
	return &Collector{Tasks: tasks, TaskRuns: taskRuns, UnitOfWork: uow, Materializer: m}
}

func (c *Collector) RunWorkers(ctx context.Context, interval time.Duration, selectLimit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := c.Collect(ctx, time.Now(), selectLimit)
			if err != nil {
				slog.Error("dead task run collector failed", "error", err)
				continue
			}
			if count > 0 {
				slog.Info("dead task runs collected", "count", count)
			}
		}
	}
}

func (c *Collector) Collect(ctx context.Context, now time.Time, selectLimit int) (int, error) {
	var count int
	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		runs, err := c.TaskRuns.SelectRunningPastHeartbeatTimeout(ctx, q, now, selectLimit)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if err := c.declareDead(ctx, q, run, now); err != nil {
				return err
			}
		}
		count = len(runs)
		return nil
	})
	return count, err
}

func (c *Collector) declareDead(ctx context.Context, q repository.Querier, run *domain.TaskRun, now time.Time) error {
	task, err := c.Tasks.Get(ctx, q, run.OrgID, run.TaskID)
	if err != nil {
		return err
	}

	if _, err := statemachine.AdvanceTaskRun(run.Status, statemachine.TaskRunInputDied); err != nil {
		return err
	}
	run.Status = domain.TaskRunStatusDead
	run.CompletedAt = &now
	if err := run.Validate(); err != nil {
		return err
	}

	nextTaskStatus, err := statemachine.AdvanceTask(task.Status, statemachine.TaskInputRunDied)
	if err != nil {
		return err
	}
	task.PreviousStatus = task.Status
	task.Status = nextTaskStatus
	task.LastStatusChangeAt = now

	inc := &domain.Incident{
		ID:         domain.NewID(),
		OrgID:      task.OrgID,
		Status:     domain.IncidentStatusOngoing,
		Priority:   domain.IncidentPriorityMajor,
		SourceType: domain.IncidentSourceTaskRun,
		SourceID:   string(task.ID),
		Cause: domain.IncidentCause{TaskRun: &domain.TaskRunCause{
			TaskID:            task.ID,
			TaskRunID:         run.StartedAt,
			TaskRunStartedAt:  run.StartedAt,
			TaskRunFinishedAt: &now,
			TaskRunStatus:     domain.TaskRunStatusDead,
		}},
		CreatedAt: now,
	}

	var notifyOpts *materializer.NotificationOptions
	if task.NotifyEmail || task.NotifyPush || task.NotifySMS {
		notifyOpts = &materializer.NotificationOptions{
			Type:      domain.IncidentNotificationCreation,
			DueAt:     now,
			SendEmail: task.NotifyEmail,
			SendPush:  task.NotifyPush,
			SendSMS:   task.NotifySMS,
			Payload: domain.NotificationPayload{
				SourceType: domain.IncidentSourceTaskRun,
				SourceID:   string(task.ID),
				Priority:   domain.IncidentPriorityMajor,
			},
		}
	}

	// CreateIncident first so the back-dated events below can reference a
	// committed incident_id; ListByIncident restores chronological order by
	// sorting on created_at rather than insertion order.
	if err := c.Materializer.CreateIncident(ctx, q, inc, notifyOpts, now); err != nil {
		return err
	}
	if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID: task.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskRunStarted, CreatedAt: run.StartedAt,
	}); err != nil {
		return err
	}
	if run.LastHeartbeatAt != nil {
		if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
			OrgID: task.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskRunReceivedLastHeartbeat, CreatedAt: *run.LastHeartbeatAt,
		}); err != nil {
			return err
		}
	}
	if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID: task.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskRunIsDead, CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := c.TaskRuns.Save(ctx, q, run); err != nil {
		return err
	}
	return c.Tasks.Save(ctx, q, task)
}
