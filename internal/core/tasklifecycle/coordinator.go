// Package tasklifecycle is the Task Lifecycle Coordinator (spec.md §4.2): it
// applies authorized external transitions — create, start, heartbeat,
// finish — to a task+taskrun aggregate, one transaction per operation.
package tasklifecycle

import (
	"context"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/core/schedule"
	"github.com/duty-duck/duty-duck-sub000/internal/core/statemachine"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// Permission bits an AuthContext may carry. The core only ever checks
// membership in this set; issuing them is the API boundary's job.
const (
	PermissionManageTasks = 1 << iota
	PermissionReportTaskRuns
)

// AuthContext carries the organization scope and permission bits granted to
// the caller, per the design notes (§9): "the core accepts an auth context
// ... and rejects operations it is not authorized for but never performs
// authentication itself."
type AuthContext struct {
	OrgID       domain.OrganizationID
	Permissions int
}

func (a AuthContext) Can(permission int) bool {
	return a.Permissions&permission == permission
}

// Coordinator applies task+taskrun transitions within one transaction per
// operation.
type Coordinator struct {
	Tasks        repository.TaskRepository
	TaskRuns     repository.TaskRunRepository
	UnitOfWork   repository.UnitOfWork
	Materializer *materializer.Materializer
	Now          func() time.Time
}

func New(tasks repository.TaskRepository, taskRuns repository.TaskRunRepository, uow repository.UnitOfWork, m *materializer.Materializer) *Coordinator {
	return &Coordinator{Tasks: tasks, TaskRuns: taskRuns, UnitOfWork: uow, Materializer: m, Now: time.Now}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// CreateTaskCommand is the input to CreateTask.
type CreateTaskCommand struct {
	ID               domain.TaskID
	CronSchedule     *string
	StartWindow      time.Duration
	LatenessWindow   time.Duration
	HeartbeatTimeout time.Duration
	NotifyEmail      bool
	NotifyPush       bool
	NotifySMS        bool
	Metadata         map[string]any
}

// CreateTask validates the cron expression (if any) and the task id, then
// stores a task with status=Healthy and a computed next_due_at.
func (c *Coordinator) CreateTask(ctx context.Context, auth AuthContext, cmd CreateTaskCommand) (*domain.Task, error) {
	if !auth.Can(PermissionManageTasks) {
		return nil, apperrors.ErrMissingPermission
	}
	if err := domain.ValidateTaskID(cmd.ID); err != nil {
		return nil, err
	}

	var nextDueAt *time.Time
	if cmd.CronSchedule != nil {
		sched, err := schedule.Parse(*cmd.CronSchedule)
		if err != nil {
			return nil, err
		}
		next := sched.Next(c.now())
		nextDueAt = &next
	}

	task := &domain.Task{
		ID:                 cmd.ID,
		OrgID:              auth.OrgID,
		CronSchedule:       cmd.CronSchedule,
		StartWindow:        cmd.StartWindow,
		LatenessWindow:     cmd.LatenessWindow,
		HeartbeatTimeout:   cmd.HeartbeatTimeout,
		NotifyEmail:        cmd.NotifyEmail,
		NotifyPush:         cmd.NotifyPush,
		NotifySMS:          cmd.NotifySMS,
		Metadata:           cmd.Metadata,
		Status:             domain.TaskStatusHealthy,
		LastStatusChangeAt: c.now(),
		NextDueAt:          nextDueAt,
	}

	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		return c.Tasks.Save(ctx, q, task)
	})
	return task, err
}

// StartTaskOptions controls the start_task transition's handling of a
// conflicting running task run.
type StartTaskOptions struct {
	// NewTask creates the task (with defaults) if it does not already exist.
	NewTask                 *CreateTaskCommand
	AbortPreviousRunningRun bool
}

// StartTask loads the task+taskrun aggregate and applies spec §4.2's start
// transition table.
func (c *Coordinator) StartTask(ctx context.Context, auth AuthContext, taskID domain.TaskID, opts StartTaskOptions) (*domain.TaskAggregate, error) {
	if !auth.Can(PermissionReportTaskRuns) {
		return nil, apperrors.ErrMissingPermission
	}

	var agg *domain.TaskAggregate
	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		now := c.now()
		task, err := c.Tasks.Get(ctx, q, auth.OrgID, taskID)
		if err != nil {
			if opts.NewTask == nil {
				return err
			}
			task, err = c.buildNewTask(*opts.NewTask, auth.OrgID, now)
			if err != nil {
				return err
			}
		}

		if task.Status == domain.TaskStatusRunning {
			if !opts.AbortPreviousRunningRun {
				return apperrors.ErrTaskAlreadyStarted
			}
			current, err := c.TaskRuns.GetCurrent(ctx, q, auth.OrgID, taskID)
			if err != nil {
				return err
			}
			if current != nil {
				if _, err := statemachine.AdvanceTaskRun(current.Status, statemachine.TaskRunInputAbort); err != nil {
					return err
				}
				current.Status = domain.TaskRunStatusAborted
				current.CompletedAt = &now
				current.UpdatedAt = now
				if err := c.TaskRuns.Save(ctx, q, current); err != nil {
					return err
				}
			}
		}

		wasLateOrAbsent := task.Status == domain.TaskStatusLate || task.Status == domain.TaskStatusAbsent

		next, err := statemachine.AdvanceTask(task.Status, statemachine.TaskInputStart)
		if err != nil {
			return err
		}
		task.PreviousStatus = task.Status
		task.Status = next
		task.LastStatusChangeAt = now

		run := &domain.TaskRun{
			OrgID:           auth.OrgID,
			TaskID:          taskID,
			StartedAt:       now,
			Status:          domain.TaskRunStatusRunning,
			UpdatedAt:       now,
			LastHeartbeatAt: &now,
		}
		if err := run.Validate(); err != nil {
			return err
		}

		if wasLateOrAbsent {
			if err := c.resolveOpenTaskIncident(ctx, q, task, now); err != nil {
				return err
			}
		}

		if err := c.Tasks.Save(ctx, q, task); err != nil {
			return err
		}
		if err := c.TaskRuns.Save(ctx, q, run); err != nil {
			return err
		}

		agg = &domain.TaskAggregate{Task: task, Current: run}
		return nil
	})
	return agg, err
}

func (c *Coordinator) buildNewTask(cmd CreateTaskCommand, orgID domain.OrganizationID, now time.Time) (*domain.Task, error) {
	if err := domain.ValidateTaskID(cmd.ID); err != nil {
		return nil, err
	}
	var nextDueAt *time.Time
	if cmd.CronSchedule != nil {
		sched, err := schedule.Parse(*cmd.CronSchedule)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now)
		nextDueAt = &next
	}
	return &domain.Task{
		ID:                 cmd.ID,
		OrgID:              orgID,
		CronSchedule:       cmd.CronSchedule,
		StartWindow:        cmd.StartWindow,
		LatenessWindow:     cmd.LatenessWindow,
		HeartbeatTimeout:   cmd.HeartbeatTimeout,
		NotifyEmail:        cmd.NotifyEmail,
		NotifyPush:         cmd.NotifyPush,
		NotifySMS:          cmd.NotifySMS,
		Metadata:           cmd.Metadata,
		Status:             domain.TaskStatusHealthy,
		LastStatusChangeAt: now,
		NextDueAt:          nextDueAt,
	}, nil
}

// resolveOpenTaskIncident appends TaskSwitchedToRunning then resolves the
// open Task-sourced incident, in that order (see spec §8 scenario 5).
func (c *Coordinator) resolveOpenTaskIncident(ctx context.Context, q repository.Querier, task *domain.Task, now time.Time) error {
	inc, err := c.Materializer.Incidents.GetOpenBySource(ctx, q, task.OrgID, domain.IncidentSourceTask, string(task.ID))
	if err != nil {
		return err
	}
	if inc == nil {
		return nil
	}
	if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID:      inc.OrgID,
		IncidentID: inc.ID,
		EventType:  domain.IncidentEventTaskSwitchedToRunning,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	return c.Materializer.ResolveIncident(ctx, q, inc, now)
}

// ReceiveHeartbeat requires the task's current run to be Running; it is a
// non-retryable apperrors.ErrTaskNotRunning error otherwise, which the
// runner interprets as "I have been aborted".
func (c *Coordinator) ReceiveHeartbeat(ctx context.Context, auth AuthContext, taskID domain.TaskID) error {
	if !auth.Can(PermissionReportTaskRuns) {
		return apperrors.ErrMissingPermission
	}
	return c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		now := c.now()
		run, err := c.TaskRuns.GetCurrent(ctx, q, auth.OrgID, taskID)
		if err != nil {
			return err
		}
		if run == nil {
			return apperrors.ErrTaskNotRunning
		}
		if _, err := statemachine.AdvanceTaskRun(run.Status, statemachine.TaskRunInputHeartbeat); err != nil {
			return err
		}
		run.LastHeartbeatAt = &now
		run.UpdatedAt = now
		return c.TaskRuns.Save(ctx, q, run)
	})
}

// FinishOutcome is the externally reported result of a task run.
type FinishOutcome int

const (
	FinishSuccess FinishOutcome = iota
	FinishFailure
	FinishAborted
)

// FinishTaskCommand is the input to FinishTask.
type FinishTaskCommand struct {
	Outcome      FinishOutcome
	ExitCode     *int
	ErrorMessage *string
}

// FinishTask requires the current run to be Running; it transitions to
// Healthy on Success/Aborted, or to Failing on Failure while opening a
// TaskRun-sourced incident.
func (c *Coordinator) FinishTask(ctx context.Context, auth AuthContext, taskID domain.TaskID, cmd FinishTaskCommand) (*domain.TaskAggregate, error) {
	if !auth.Can(PermissionReportTaskRuns) {
		return nil, apperrors.ErrMissingPermission
	}

	var agg *domain.TaskAggregate
	err := c.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		now := c.now()
		task, err := c.Tasks.Get(ctx, q, auth.OrgID, taskID)
		if err != nil {
			return err
		}
		run, err := c.TaskRuns.GetCurrent(ctx, q, auth.OrgID, taskID)
		if err != nil {
			return err
		}
		if run == nil {
			return apperrors.ErrTaskNotRunning
		}

		var (
			taskInput statemachine.TaskInputKind
			runInput  statemachine.TaskRunInputKind
			runStatus domain.TaskRunStatus
		)
		switch cmd.Outcome {
		case FinishSuccess:
			taskInput, runInput, runStatus = statemachine.TaskInputFinishSuccess, statemachine.TaskRunInputFinishSuccess, domain.TaskRunStatusFinished
		case FinishAborted:
			taskInput, runInput, runStatus = statemachine.TaskInputFinishAborted, statemachine.TaskRunInputAbort, domain.TaskRunStatusAborted
		case FinishFailure:
			taskInput, runInput, runStatus = statemachine.TaskInputFinishFailure, statemachine.TaskRunInputFinishFailure, domain.TaskRunStatusFailed
		}

		nextTaskStatus, err := statemachine.AdvanceTask(task.Status, taskInput)
		if err != nil {
			return err
		}
		if _, err := statemachine.AdvanceTaskRun(run.Status, runInput); err != nil {
			return err
		}

		task.PreviousStatus = task.Status
		task.Status = nextTaskStatus
		task.LastStatusChangeAt = now

		run.Status = runStatus
		run.CompletedAt = &now
		run.UpdatedAt = now
		run.ExitCode = cmd.ExitCode
		run.ErrorMessage = cmd.ErrorMessage
		if err := run.Validate(); err != nil {
			return err
		}

		if cmd.Outcome == FinishFailure {
			if err := c.openTaskRunIncident(ctx, q, task, run, now); err != nil {
				return err
			}
		}

		if err := c.Tasks.Save(ctx, q, task); err != nil {
			return err
		}
		if err := c.TaskRuns.Save(ctx, q, run); err != nil {
			return err
		}

		agg = &domain.TaskAggregate{Task: task, Current: run}
		if task.Status != domain.TaskStatusRunning && task.Status != domain.TaskStatusFailing {
			agg.Current = nil
		}
		return nil
	})
	return agg, err
}

// openTaskRunIncident opens an Ongoing, Major-priority TaskRun-sourced
// incident for a failed run, per spec §4.2.
func (c *Coordinator) openTaskRunIncident(ctx context.Context, q repository.Querier, task *domain.Task, run *domain.TaskRun, now time.Time) error {
	inc := &domain.Incident{
		ID:         domain.NewID(),
		OrgID:      task.OrgID,
		Status:     domain.IncidentStatusOngoing,
		Priority:   domain.IncidentPriorityMajor,
		SourceType: domain.IncidentSourceTaskRun,
		SourceID:   string(task.ID),
		Cause: domain.IncidentCause{TaskRun: &domain.TaskRunCause{
			TaskID:            task.ID,
			TaskRunStartedAt:  run.StartedAt,
			TaskRunFinishedAt: run.CompletedAt,
			TaskRunStatus:     run.Status,
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

	if err := c.Materializer.CreateIncident(ctx, q, inc, notifyOpts, now); err != nil {
		return err
	}
	if err := c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID: inc.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskRunStarted, CreatedAt: run.StartedAt,
	}); err != nil {
		return err
	}
	return c.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID: inc.OrgID, IncidentID: inc.ID, EventType: domain.IncidentEventTaskRunFailed, CreatedAt: now,
	})
}
