// Package collector implements the three scheduled-task sweepers from
// spec.md §4.3: CollectDueTasks, CollectLateTasks, CollectAbsentTasks. Each
// is structured identically — tick, open a transaction, select a batch,
// transition each candidate, commit — and each exposes a one-shot Collect
// for operator invocation alongside RunWorkers for the periodic loop.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/core/schedule"
	"github.com/duty-duck/duty-duck-sub000/internal/core/statemachine"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// runWorker is the ticking loop shared by every sweeper below: sleep
// interval, run one batch, log the outcome, stop on ctx cancellation.
func runWorker(ctx context.Context, name string, interval time.Duration, batch func(ctx context.Context, now time.Time) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := batch(ctx, time.Now())
			if err != nil {
				slog.Error("collector batch failed", "collector", name, "error", err)
				continue
			}
			if count > 0 {
				slog.Info("collector batch processed", "collector", name, "count", count)
			}
		}
	}
}

// DueCollector implements CollectDueTasks: Healthy/Pending tasks whose
// next_due_at has elapsed transition to Due, with next_due_at recomputed for
// the following cron occurrence.
type DueCollector struct {
	Tasks      repository.TaskRepository
	UnitOfWork repository.UnitOfWork
}

func NewDueCollector(tasks repository.TaskRepository, uow repository.UnitOfWork) *DueCollector {
	return &DueCollector{Tasks: tasks, UnitOfWork: uow}
}

func (c *DueCollector) RunWorkers(ctx context.Context, interval time.Duration, selectLimit int) {
	runWorker(ctx, "collect-due-tasks", interval, func(ctx context.Context, now time.Time) (int, error) {
		return c.Collect(ctx, now, selectLimit)
	})
}

func (c *DueCollector) Collect(ctx context.Context, now time.Time, selectLimit int) (int, error) {
	var count int
	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		due := now
		tasks, err := c.Tasks.SelectBatch(ctx, q, repository.TaskFilter{
			Statuses:  []domain.TaskStatus{domain.TaskStatusHealthy, domain.TaskStatusPending},
			DueBefore: &due,
			Limit:     selectLimit,
		})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := c.advanceOne(ctx, q, t, now); err != nil {
				return err
			}
		}
		count = len(tasks)
		return nil
	})
	return count, err
}

func (c *DueCollector) advanceOne(ctx context.Context, q repository.Querier, t *domain.Task, now time.Time) error {
	next, err := statemachine.AdvanceTask(t.Status, statemachine.TaskInputBecameDue)
	if err != nil {
		return err
	}
	t.PreviousStatus = t.Status
	t.Status = next
	t.LastStatusChangeAt = now

	if t.CronSchedule != nil {
		sched, err := schedule.Parse(*t.CronSchedule)
		if err != nil {
			return err
		}
		nextDue := sched.Next(now)
		t.NextDueAt = &nextDue
	}
	return c.Tasks.Save(ctx, q, t)
}

// LateCollector implements CollectLateTasks.
type LateCollector struct {
	Tasks        repository.TaskRepository
	UnitOfWork   repository.UnitOfWork
	Materializer *materializer.Materializer
}

func NewLateCollector(tasks repository.TaskRepository, uow repository.UnitOfWork, m *materializer.Materializer) *LateCollector {
	return &LateCollector{Tasks: tasks, UnitOfWork: uow, Materializer: m}
}

func (c *LateCollector) RunWorkers(ctx context.Context, interval time.Duration, selectLimit int) {
	runWorker(ctx, "collect-late-tasks", interval, func(ctx context.Context, now time.Time) (int, error) {
		return c.Collect(ctx, now, selectLimit)
	})
}

// Collect selects Due tasks where now >= next_due_at + start_window,
// transitions them to Late, and creates an Ongoing incident with the three
// events from spec §8 scenario 4 — TaskSwitchedToDue at next_due_at,
// Creation at now, TaskSwitchedToLate at now.
func (c *LateCollector) Collect(ctx context.Context, now time.Time, selectLimit int) (int, error) {
	var count int
	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		tasks, err := c.Tasks.SelectBatch(ctx, q, repository.TaskFilter{
			Statuses: []domain.TaskStatus{domain.TaskStatusDue},
			Limit:    selectLimit,
		})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.NextDueAt == nil || now.Before(t.NextDueAt.Add(t.StartWindow)) {
				continue
			}
			if err := c.advanceOne(ctx, q, t, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (c *LateCollector) advanceOne(ctx context.Context, q repository.Querier, t *domain.Task, now time.Time) error {
	dueAt := *t.NextDueAt

	next, err := statemachine.AdvanceTask(t.Status, statemachine.TaskInputBecameLate)
	if err != nil {
		return err
	}
	t.PreviousStatus = t.Status
	t.Status = next
	t.LastStatusChangeAt = now

	inc := &domain.Incident{
		ID:         domain.NewID(),
		OrgID:      t.OrgID,
		Status:     domain.IncidentStatusOngoing,
		Priority:   domain.IncidentPriorityMinor,
		SourceType: domain.IncidentSourceTask,
		SourceID:   string(t.ID),
		Cause: domain.IncidentCause{ScheduledTask: &domain.ScheduledTaskCause{
			TaskID:        t.ID,
			TaskWasDueAt:  dueAt,
			TaskRanLateAt: &now,
		}},
		CreatedAt: now,
	}

	var notifyOpts *materializer.NotificationOptions
	if t.NotifyEmail || t.NotifyPush || t.NotifySMS {
		notifyOpts = &materializer.NotificationOptions{
			Type:      domain.IncidentNotificationCreation,
			DueAt:     now,
			SendEmail: t.NotifyEmail,
			SendPush:  t.NotifyPush,
			SendSMS:   t.NotifySMS,
			Payload: domain.NotificationPayload{
				SourceType: domain.IncidentSourceTask,
				SourceID:   string(t.ID),
				Priority:   domain.IncidentPriorityMinor,
			},
		}
	}

	// CreateIncident inserts the row first so the events below (one back-dated
	// to the original due time) can reference a committed incident_id; display
	// order is restored by sorting the timeline on created_at, not insertion
	// order.
	if err := c.Materializer.CreateIncident(ctx, q, inc, notifyOpts, now); err != nil {
		return err
	}
	if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID: t.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskSwitchedToDue, CreatedAt: dueAt,
	}); err != nil {
		return err
	}
	if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID: t.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskSwitchedToLate, CreatedAt: now,
	}); err != nil {
		return err
	}

	return c.Tasks.Save(ctx, q, t)
}

// AbsentCollector implements CollectAbsentTasks.
type AbsentCollector struct {
	Tasks        repository.TaskRepository
	UnitOfWork   repository.UnitOfWork
	Materializer *materializer.Materializer
}

func NewAbsentCollector(tasks repository.TaskRepository, uow repository.UnitOfWork, m *materializer.Materializer) *AbsentCollector {
	return &AbsentCollector{Tasks: tasks, UnitOfWork: uow, Materializer: m}
}

func (c *AbsentCollector) RunWorkers(ctx context.Context, interval time.Duration, selectLimit int) {
	runWorker(ctx, "collect-absent-tasks", interval, func(ctx context.Context, now time.Time) (int, error) {
		return c.Collect(ctx, now, selectLimit)
	})
}

// Collect selects Late tasks where now >= next_due_at + start_window +
// lateness_window, transitions them to Absent and recomputes next_due_at.
// If an open incident already exists it is extended with
// TaskSwitchedToAbsent; otherwise one is synthesized with back-dated
// timeline events (spec §4.3's "user resolved manually" case).
func (c *AbsentCollector) Collect(ctx context.Context, now time.Time, selectLimit int) (int, error) {
	var count int
	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		tasks, err := c.Tasks.SelectBatch(ctx, q, repository.TaskFilter{
			Statuses: []domain.TaskStatus{domain.TaskStatusLate},
			Limit:    selectLimit,
		})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.NextDueAt == nil || now.Before(t.NextDueAt.Add(t.StartWindow).Add(t.LatenessWindow)) {
				continue
			}
			if err := c.advanceOne(ctx, q, t, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (c *AbsentCollector) advanceOne(ctx context.Context, q repository.Querier, t *domain.Task, now time.Time) error {
	dueAt := *t.NextDueAt

	next, err := statemachine.AdvanceTask(t.Status, statemachine.TaskInputBecameAbsent)
	if err != nil {
		return err
	}
	t.PreviousStatus = t.Status
	t.Status = next
	t.LastStatusChangeAt = now

	if t.CronSchedule != nil {
		sched, err := schedule.Parse(*t.CronSchedule)
		if err != nil {
			return err
		}
		recomputed := sched.Next(now)
		t.NextDueAt = &recomputed
	}

	inc, err := c.Materializer.Incidents.GetOpenBySource(ctx, q, t.OrgID, domain.IncidentSourceTask, string(t.ID))
	if err != nil {
		return err
	}

	if inc != nil {
		if inc.Cause.ScheduledTask != nil {
			inc.Cause.ScheduledTask.TaskSwitchedToAbsentAt = &now
			if err := c.Materializer.Incidents.Save(ctx, q, inc); err != nil {
				return err
			}
		}
		if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
			OrgID: t.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskSwitchedToAbsent, CreatedAt: now,
		}); err != nil {
			return err
		}
	} else {
		// No open incident: the operator resolved it manually, or the late
		// collector never created one. Synthesize the incident now, back-dating
		// the earlier timeline events so the final timeline is chronologically
		// correct (spec §4.3).
		newInc := &domain.Incident{
			ID:         domain.NewID(),
			OrgID:      t.OrgID,
			Status:     domain.IncidentStatusOngoing,
			Priority:   domain.IncidentPriorityMinor,
			SourceType: domain.IncidentSourceTask,
			SourceID:   string(t.ID),
			Cause: domain.IncidentCause{ScheduledTask: &domain.ScheduledTaskCause{
				TaskID:                 t.ID,
				TaskWasDueAt:           dueAt,
				TaskSwitchedToAbsentAt: &now,
			}},
			CreatedAt: now,
		}
		if err := c.Materializer.CreateIncident(ctx, q, newInc, nil, now); err != nil {
			return err
		}
		if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
			OrgID: t.OrgID, IncidentID: newInc.ID, EventType: domain.IncidentEventTaskSwitchedToDue, CreatedAt: dueAt,
		}); err != nil {
			return err
		}
		if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
			OrgID: t.OrgID, IncidentID: newInc.ID, EventType: domain.IncidentEventTaskSwitchedToAbsent, CreatedAt: now,
		}); err != nil {
			return err
		}
	}

	return c.Tasks.Save(ctx, q, t)
}
