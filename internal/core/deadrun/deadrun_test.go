package deadrun_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duty-duck/duty-duck-sub000/internal/core/deadrun"
	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository/memory"
)

// TestCollect_OpensIncidentWithExpectedTimeline mirrors spec §8 scenario 6.
func TestCollect_OpensIncidentWithExpectedTimeline(t *testing.T) {
	store := memory.NewStore()
	tasks := memory.NewTaskRepository(store)
	taskRuns := memory.NewTaskRunRepository(store)
	m := materializer.New(
		memory.NewIncidentRepository(store),
		memory.NewIncidentEventRepository(store),
		memory.NewIncidentNotificationRepository(store),
	)
	ctx := context.Background()
	orgID := domain.NewID()

	startedAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	lastHeartbeat := startedAt
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusRunning, HeartbeatTimeout: 60 * time.Second,
	}))
	require.NoError(t, taskRuns.Save(ctx, nil, &domain.TaskRun{
		OrgID: orgID, TaskID: "job", StartedAt: startedAt, Status: domain.TaskRunStatusRunning, LastHeartbeatAt: &lastHeartbeat,
	}))

	c := deadrun.New(tasks, taskRuns, store, m)
	now := time.Date(2026, 1, 1, 10, 1, 30, 0, time.UTC)
	count, err := c.Collect(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	run, err := taskRuns.GetCurrent(ctx, nil, orgID, "job")
	require.NoError(t, err)
	assert.Nil(t, run) // no longer Running

	task, err := tasks.Get(ctx, nil, orgID, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailing, task.Status)

	incidents := memory.NewIncidentRepository(store)
	inc, err := incidents.GetOpenBySource(ctx, nil, orgID, domain.IncidentSourceTaskRun, "job")
	require.NoError(t, err)
	require.NotNil(t, inc)
	require.NotNil(t, inc.Cause.TaskRun)
	assert.Equal(t, domain.TaskRunStatusDead, inc.Cause.TaskRun.TaskRunStatus)
	require.NotNil(t, inc.Cause.TaskRun.TaskRunFinishedAt)
	assert.Equal(t, now, *inc.Cause.TaskRun.TaskRunFinishedAt)

	events, err := memory.NewIncidentEventRepository(store).ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, domain.IncidentEventTaskRunStarted, events[0].EventType)
	assert.Equal(t, startedAt, events[0].CreatedAt)
	assert.Equal(t, domain.IncidentEventTaskRunReceivedLastHeartbeat, events[1].EventType)
	assert.Equal(t, lastHeartbeat, events[1].CreatedAt)
	assert.Equal(t, domain.IncidentEventCreation, events[2].EventType)
	assert.Equal(t, domain.IncidentEventTaskRunIsDead, events[3].EventType)
	assert.Equal(t, now, events[3].CreatedAt)
}

func TestCollect_SkipsRunsWithinHeartbeatTimeout(t *testing.T) {
	store := memory.NewStore()
	tasks := memory.NewTaskRepository(store)
	taskRuns := memory.NewTaskRunRepository(store)
	m := materializer.New(
		memory.NewIncidentRepository(store),
		memory.NewIncidentEventRepository(store),
		memory.NewIncidentNotificationRepository(store),
	)
	ctx := context.Background()
	orgID := domain.NewID()

	startedAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusRunning, HeartbeatTimeout: 60 * time.Second,
	}))
	require.NoError(t, taskRuns.Save(ctx, nil, &domain.TaskRun{
		OrgID: orgID, TaskID: "job", StartedAt: startedAt, Status: domain.TaskRunStatusRunning, LastHeartbeatAt: &startedAt,
	}))

	c := deadrun.New(tasks, taskRuns, store, m)
	count, err := c.Collect(ctx, startedAt.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
