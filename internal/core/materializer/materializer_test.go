package materializer_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository/memory"
)

func newMaterializer() (*materializer.Materializer, *memory.Store) {
	store := memory.NewStore()
	m := materializer.New(
		memory.NewIncidentRepository(store),
		memory.NewIncidentEventRepository(store),
		memory.NewIncidentNotificationRepository(store),
	)
	return m, store
}

func newIncident(orgID domain.OrganizationID) *domain.Incident {
	return &domain.Incident{
		ID:         domain.NewID(),
		OrgID:      orgID,
		Status:     domain.IncidentStatusToBeConfirmed,
		Priority:   domain.IncidentPriorityMinor,
		SourceType: domain.IncidentSourceHttpMonitor,
		SourceID:   uuid.NewString(),
		CreatedAt:  time.Now(),
	}
}

func TestCreateIncident_WithoutNotification(t *testing.T) {
	m, store := newMaterializer()
	ctx := context.Background()
	orgID := domain.NewID()
	inc := newIncident(orgID)
	now := time.Now()

	require.NoError(t, m.CreateIncident(ctx, nil, inc, nil, now))

	events, err := m.Events.ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.IncidentEventCreation, events[0].EventType)

	claimed, err := memory.NewIncidentNotificationRepository(store).ClaimBatch(ctx, nil, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCreateIncident_WithNotification(t *testing.T) {
	m, _ := newMaterializer()
	ctx := context.Background()
	orgID := domain.NewID()
	inc := newIncident(orgID)
	inc.Status = domain.IncidentStatusOngoing
	now := time.Now()

	opts := &materializer.NotificationOptions{
		Type:      domain.IncidentNotificationCreation,
		DueAt:     now,
		SendEmail: true,
	}
	require.NoError(t, m.CreateIncident(ctx, nil, inc, opts, now))

	claimed, err := m.Notifications.ClaimBatch(ctx, nil, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, inc.ID, claimed[0].IncidentID)
	assert.True(t, claimed[0].SendEmail)
}

func TestConfirmIncident_RejectsNonToBeConfirmed(t *testing.T) {
	m, _ := newMaterializer()
	ctx := context.Background()
	inc := newIncident(domain.NewID())
	inc.Status = domain.IncidentStatusOngoing
	require.NoError(t, m.Incidents.Create(ctx, nil, inc))

	err := m.ConfirmIncident(ctx, nil, inc, nil, time.Now())
	assert.Error(t, err)
}

func TestConfirmIncident_FlipsToOngoingAndSchedulesNotification(t *testing.T) {
	m, _ := newMaterializer()
	ctx := context.Background()
	inc := newIncident(domain.NewID())
	require.NoError(t, m.Incidents.Create(ctx, nil, inc))
	now := time.Now()

	opts := &materializer.NotificationOptions{Type: domain.IncidentNotificationConfirmation, DueAt: now, SendEmail: true}
	require.NoError(t, m.ConfirmIncident(ctx, nil, inc, opts, now))

	assert.Equal(t, domain.IncidentStatusOngoing, inc.Status)
	claimed, err := m.Notifications.ClaimBatch(ctx, nil, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestResolveIncident_CancelsPendingNotifications(t *testing.T) {
	m, _ := newMaterializer()
	ctx := context.Background()
	orgID := domain.NewID()
	inc := newIncident(orgID)
	inc.Status = domain.IncidentStatusOngoing
	now := time.Now()
	opts := &materializer.NotificationOptions{Type: domain.IncidentNotificationCreation, DueAt: now, SendEmail: true}
	require.NoError(t, m.CreateIncident(ctx, nil, inc, opts, now))

	require.NoError(t, m.ResolveIncident(ctx, nil, inc, now.Add(time.Minute)))

	assert.Equal(t, domain.IncidentStatusResolved, inc.Status)
	require.NotNil(t, inc.ResolvedAt)

	claimed, err := m.Notifications.ClaimBatch(ctx, nil, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestAcknowledgeIncident_IsIdempotent(t *testing.T) {
	m, _ := newMaterializer()
	ctx := context.Background()
	orgID := domain.NewID()
	inc := newIncident(orgID)
	inc.Status = domain.IncidentStatusOngoing
	now := time.Now()
	opts := &materializer.NotificationOptions{Type: domain.IncidentNotificationCreation, DueAt: now, SendEmail: true}
	require.NoError(t, m.CreateIncident(ctx, nil, inc, opts, now))

	require.NoError(t, m.AcknowledgeIncident(ctx, nil, inc, "user-1", now))
	assert.Equal(t, []string{"user-1"}, inc.AcknowledgedBy)

	events, err := m.Events.ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	require.Len(t, events, 2) // Creation + Acknowledged

	// Second acknowledgement by the same user is a no-op: no new event.
	require.NoError(t, m.AcknowledgeIncident(ctx, nil, inc, "user-1", now.Add(time.Second)))
	assert.Equal(t, []string{"user-1"}, inc.AcknowledgedBy)

	events, err = m.Events.ListByIncident(ctx, nil, orgID, inc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	claimed, err := m.Notifications.ClaimBatch(ctx, nil, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestAcknowledgeIncident_RejectsAlreadyResolved(t *testing.T) {
	m, _ := newMaterializer()
	ctx := context.Background()
	orgID := domain.NewID()
	inc := newIncident(orgID)
	inc.Status = domain.IncidentStatusOngoing
	now := time.Now()
	require.NoError(t, m.CreateIncident(ctx, nil, inc, nil, now))
	require.NoError(t, m.ResolveIncident(ctx, nil, inc, now))

	err := m.AcknowledgeIncident(ctx, nil, inc, "user-1", now.Add(time.Second))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.Empty(t, inc.AcknowledgedBy)
}
