package tasklifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/core/tasklifecycle"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository/memory"
)

func newCoordinator(now time.Time) (*tasklifecycle.Coordinator, *memory.Store) {
	store := memory.NewStore()
	m := materializer.New(
		memory.NewIncidentRepository(store),
		memory.NewIncidentEventRepository(store),
		memory.NewIncidentNotificationRepository(store),
	)
	c := tasklifecycle.New(
		memory.NewTaskRepository(store),
		memory.NewTaskRunRepository(store),
		store,
		m,
	)
	c.Now = func() time.Time { return now }
	return c, store
}

func fullAuth(orgID domain.OrganizationID) tasklifecycle.AuthContext {
	return tasklifecycle.AuthContext{OrgID: orgID, Permissions: tasklifecycle.PermissionManageTasks | tasklifecycle.PermissionReportTaskRuns}
}

func TestCreateTask_RequiresPermission(t *testing.T) {
	c, _ := newCoordinator(time.Now())
	ctx := context.Background()
	_, err := c.CreateTask(ctx, tasklifecycle.AuthContext{OrgID: domain.NewID()}, tasklifecycle.CreateTaskCommand{ID: "backup"})
	assert.ErrorIs(t, err, apperrors.ErrMissingPermission)
}

func TestCreateTask_ComputesNextDueAtFromCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()
	cron := "*/30 * * * *"

	task, err := c.CreateTask(ctx, fullAuth(orgID), tasklifecycle.CreateTaskCommand{
		ID:           "backup",
		CronSchedule: &cron,
		StartWindow:  5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusHealthy, task.Status)
	require.NotNil(t, task.NextDueAt)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC), *task.NextDueAt)
}

func TestStartTask_CreatesMissingTaskWhenRequested(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	agg, err := c.StartTask(ctx, fullAuth(orgID), "nightly-etl", tasklifecycle.StartTaskOptions{
		NewTask: &tasklifecycle.CreateTaskCommand{ID: "nightly-etl"},
	})
	require.NoError(t, err)
	require.NotNil(t, agg.Current)
	assert.Equal(t, domain.TaskStatusRunning, agg.Task.Status)
	assert.Equal(t, domain.TaskRunStatusRunning, agg.Current.Status)
	assert.Equal(t, now, agg.Current.StartedAt)
}

func TestStartTask_AlreadyRunningWithoutAbortFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	_, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{
		NewTask: &tasklifecycle.CreateTaskCommand{ID: "job"},
	})
	require.NoError(t, err)

	_, err = c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{})
	assert.ErrorIs(t, err, apperrors.ErrTaskAlreadyStarted)
}

func TestStartTask_AbortsPreviousRunningRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, store := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	_, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{
		NewTask: &tasklifecycle.CreateTaskCommand{ID: "job"},
	})
	require.NoError(t, err)

	c.Now = func() time.Time { return now.Add(time.Minute) }
	agg, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{AbortPreviousRunningRun: true})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), agg.Current.StartedAt)

	runs := memory.NewTaskRunRepository(store)
	current, err := runs.GetCurrent(ctx, nil, orgID, "job")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, now.Add(time.Minute), current.StartedAt)
}

// TestStartTask_ResolvesLatenessIncident mirrors spec §8 scenario 5: a Late
// task that starts running resolves its open incident, with
// TaskSwitchedToRunning appearing before Resolution in the timeline.
func TestStartTask_ResolvesLatenessIncident(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 52, 0, 0, time.UTC)
	c, store := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	tasks := memory.NewTaskRepository(store)
	task := &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusLate, LastStatusChangeAt: now,
	}
	require.NoError(t, tasks.Save(ctx, nil, task))

	incidents := memory.NewIncidentRepository(store)
	inc := &domain.Incident{
		ID: domain.NewID(), OrgID: orgID, Status: domain.IncidentStatusOngoing,
		SourceType: domain.IncidentSourceTask, SourceID: "job", CreatedAt: now.Add(-2 * time.Minute),
	}
	require.NoError(t, incidents.Create(ctx, nil, inc))

	agg, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, agg.Task.Status)

	got, err := incidents.Get(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusResolved, got.Status)

	events, err := memory.NewIncidentEventRepository(store).ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.IncidentEventTaskSwitchedToRunning, events[0].EventType)
	assert.Equal(t, domain.IncidentEventResolution, events[1].EventType)
}

func TestReceiveHeartbeat_UpdatesLastHeartbeatAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, store := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	_, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{
		NewTask: &tasklifecycle.CreateTaskCommand{ID: "job"},
	})
	require.NoError(t, err)

	c.Now = func() time.Time { return now.Add(30 * time.Second) }
	require.NoError(t, c.ReceiveHeartbeat(ctx, fullAuth(orgID), "job"))

	current, err := memory.NewTaskRunRepository(store).GetCurrent(ctx, nil, orgID, "job")
	require.NoError(t, err)
	require.NotNil(t, current.LastHeartbeatAt)
	assert.Equal(t, now.Add(30*time.Second), *current.LastHeartbeatAt)
}

func TestReceiveHeartbeat_NotRunningReturnsError(t *testing.T) {
	c, _ := newCoordinator(time.Now())
	ctx := context.Background()
	orgID := domain.NewID()
	err := c.ReceiveHeartbeat(ctx, fullAuth(orgID), "no-such-task")
	assert.ErrorIs(t, err, apperrors.ErrTaskNotRunning)
}

func TestFinishTask_SuccessReturnsTaskToHealthy(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	_, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{
		NewTask: &tasklifecycle.CreateTaskCommand{ID: "job"},
	})
	require.NoError(t, err)

	c.Now = func() time.Time { return now.Add(time.Minute) }
	agg, err := c.FinishTask(ctx, fullAuth(orgID), "job", tasklifecycle.FinishTaskCommand{Outcome: tasklifecycle.FinishSuccess})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusHealthy, agg.Task.Status)
	assert.Nil(t, agg.Current)
}

// TestFinishTask_FailureOpensIncident exercises the TaskRun-sourced incident
// path with its two-event timeline.
func TestFinishTask_FailureOpensIncident(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, store := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	cmd := &tasklifecycle.CreateTaskCommand{ID: "job", NotifyEmail: true}
	_, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{NewTask: cmd})
	require.NoError(t, err)

	c.Now = func() time.Time { return now.Add(2 * time.Minute) }
	exitCode := 1
	agg, err := c.FinishTask(ctx, fullAuth(orgID), "job", tasklifecycle.FinishTaskCommand{
		Outcome: tasklifecycle.FinishFailure, ExitCode: &exitCode,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailing, agg.Task.Status)
	require.NotNil(t, agg.Current)
	assert.Equal(t, domain.TaskRunStatusFailed, agg.Current.Status)

	incidents := memory.NewIncidentRepository(store)
	inc, err := incidents.GetOpenBySource(ctx, nil, orgID, domain.IncidentSourceTaskRun, "job")
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, domain.IncidentPriorityMajor, inc.Priority)

	// Events.ListByIncident sorts on created_at, so the back-dated
	// TaskRunStarted (timestamped at the run's actual start) surfaces before
	// the Creation/TaskRunFailed pair that share the finish timestamp.
	events, err := memory.NewIncidentEventRepository(store).ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.IncidentEventTaskRunStarted, events[0].EventType)
	assert.Equal(t, domain.IncidentEventCreation, events[1].EventType)
	assert.Equal(t, domain.IncidentEventTaskRunFailed, events[2].EventType)

	claimed, err := memory.NewIncidentNotificationRepository(store).ClaimBatch(ctx, nil, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].SendEmail)
}

func TestFinishTask_AbortedReturnsToHealthyWithoutIncident(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c, store := newCoordinator(now)
	ctx := context.Background()
	orgID := domain.NewID()

	_, err := c.StartTask(ctx, fullAuth(orgID), "job", tasklifecycle.StartTaskOptions{
		NewTask: &tasklifecycle.CreateTaskCommand{ID: "job"},
	})
	require.NoError(t, err)

	agg, err := c.FinishTask(ctx, fullAuth(orgID), "job", tasklifecycle.FinishTaskCommand{Outcome: tasklifecycle.FinishAborted})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusHealthy, agg.Task.Status)

	incidents := memory.NewIncidentRepository(store)
	inc, err := incidents.GetOpenBySource(ctx, nil, orgID, domain.IncidentSourceTaskRun, "job")
	require.NoError(t, err)
	assert.Nil(t, inc)
}
