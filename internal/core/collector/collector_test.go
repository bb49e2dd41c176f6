package collector_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duty-duck/duty-duck-sub000/internal/core/collector"
	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository/memory"
)

func newHarness() (*memory.Store, *materializer.Materializer) {
	store := memory.NewStore()
	m := materializer.New(
		memory.NewIncidentRepository(store),
		memory.NewIncidentEventRepository(store),
		memory.NewIncidentNotificationRepository(store),
	)
	return store, m
}

func TestDueCollector_TransitionsHealthyPastNextDueAt(t *testing.T) {
	store, _ := newHarness()
	tasks := memory.NewTaskRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	cron := "*/30 * * * *"
	dueAt := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusHealthy, CronSchedule: &cron, NextDueAt: &dueAt,
	}))

	c := collector.NewDueCollector(tasks, store)
	now := dueAt.Add(time.Second)
	count, err := c.Collect(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := tasks.Get(ctx, nil, orgID, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDue, got.Status)
	require.NotNil(t, got.NextDueAt)
	assert.True(t, got.NextDueAt.After(dueAt))
}

func TestDueCollector_SkipsTasksNotYetDue(t *testing.T) {
	store, _ := newHarness()
	tasks := memory.NewTaskRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	future := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusHealthy, NextDueAt: &future,
	}))

	c := collector.NewDueCollector(tasks, store)
	count, err := c.Collect(ctx, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// TestLateCollector_OpensIncidentWithExpectedTimeline mirrors spec §8
// scenario 4.
func TestLateCollector_OpensIncidentWithExpectedTimeline(t *testing.T) {
	store, m := newHarness()
	tasks := memory.NewTaskRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	dueAt := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusDue,
		StartWindow: 5 * time.Minute, NextDueAt: &dueAt,
	}))

	c := collector.NewLateCollector(tasks, store, m)
	now := time.Date(2026, 1, 1, 10, 50, 0, 0, time.UTC)
	count, err := c.Collect(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := tasks.Get(ctx, nil, orgID, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusLate, got.Status)

	incidents := memory.NewIncidentRepository(store)
	inc, err := incidents.GetOpenBySource(ctx, nil, orgID, domain.IncidentSourceTask, "job")
	require.NoError(t, err)
	require.NotNil(t, inc)
	require.NotNil(t, inc.Cause.ScheduledTask)
	assert.Equal(t, dueAt, inc.Cause.ScheduledTask.TaskWasDueAt)
	require.NotNil(t, inc.Cause.ScheduledTask.TaskRanLateAt)
	assert.Equal(t, now, *inc.Cause.ScheduledTask.TaskRanLateAt)

	events, err := memory.NewIncidentEventRepository(store).ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.IncidentEventTaskSwitchedToDue, events[0].EventType)
	assert.Equal(t, dueAt, events[0].CreatedAt)
	assert.Equal(t, domain.IncidentEventCreation, events[1].EventType)
	assert.Equal(t, domain.IncidentEventTaskSwitchedToLate, events[2].EventType)
	assert.Equal(t, now, events[2].CreatedAt)
}

func TestAbsentCollector_ExtendsExistingIncident(t *testing.T) {
	store, m := newHarness()
	tasks := memory.NewTaskRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	dueAt := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusLate,
		StartWindow: 5 * time.Minute, LatenessWindow: 10 * time.Minute, NextDueAt: &dueAt,
	}))

	incidents := memory.NewIncidentRepository(store)
	inc := &domain.Incident{
		ID: domain.NewID(), OrgID: orgID, Status: domain.IncidentStatusOngoing,
		SourceType: domain.IncidentSourceTask, SourceID: "job",
		Cause:     domain.IncidentCause{ScheduledTask: &domain.ScheduledTaskCause{TaskID: "job", TaskWasDueAt: dueAt}},
		CreatedAt: dueAt.Add(20 * time.Minute),
	}
	require.NoError(t, incidents.Create(ctx, nil, inc))

	c := collector.NewAbsentCollector(tasks, store, m)
	now := time.Date(2026, 1, 1, 10, 46, 0, 0, time.UTC)
	count, err := c.Collect(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := tasks.Get(ctx, nil, orgID, "job")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAbsent, got.Status)

	gotInc, err := incidents.Get(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, gotInc.Cause.ScheduledTask.TaskSwitchedToAbsentAt)
	assert.Equal(t, now, *gotInc.Cause.ScheduledTask.TaskSwitchedToAbsentAt)

	events, err := memory.NewIncidentEventRepository(store).ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.IncidentEventTaskSwitchedToAbsent, events[0].EventType)
}

func TestAbsentCollector_SynthesizesIncidentWhenNoneOpen(t *testing.T) {
	store, m := newHarness()
	tasks := memory.NewTaskRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	dueAt := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, tasks.Save(ctx, nil, &domain.Task{
		ID: "job", OrgID: orgID, Status: domain.TaskStatusLate,
		StartWindow: 5 * time.Minute, LatenessWindow: 10 * time.Minute, NextDueAt: &dueAt,
	}))

	c := collector.NewAbsentCollector(tasks, store, m)
	now := time.Date(2026, 1, 1, 10, 46, 0, 0, time.UTC)
	count, err := c.Collect(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	incidents := memory.NewIncidentRepository(store)
	inc, err := incidents.GetOpenBySource(ctx, nil, orgID, domain.IncidentSourceTask, "job")
	require.NoError(t, err)
	require.NotNil(t, inc)

	events, err := memory.NewIncidentEventRepository(store).ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.IncidentEventTaskSwitchedToDue, events[0].EventType)
	assert.Equal(t, domain.IncidentEventCreation, events[1].EventType)
	assert.Equal(t, domain.IncidentEventTaskSwitchedToAbsent, events[2].EventType)
}
