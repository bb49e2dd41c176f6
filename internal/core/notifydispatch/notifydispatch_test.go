package notifydispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duty-duck/duty-duck-sub000/internal/core/notifydispatch"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository/memory"
)

type fakeDirectory struct {
	calls int
	membersByOrg map[domain.OrganizationID][]notifydispatch.Recipient
}

func (d *fakeDirectory) MembersForOrg(ctx context.Context, orgID domain.OrganizationID) ([]notifydispatch.Recipient, error) {
	d.calls++
	return d.membersByOrg[orgID], nil
}

type fakeEmail struct{ sent int }

func (f *fakeEmail) SendEmail(ctx context.Context, to []notifydispatch.Recipient, n *domain.IncidentNotification) error {
	f.sent++
	return nil
}

type fakePush struct{ sent int }

func (f *fakePush) SendPush(ctx context.Context, to []notifydispatch.Recipient, n *domain.IncidentNotification) error {
	f.sent++
	return nil
}

func TestDispatchBatch_DeliversOnEveryEnabledChannelAndRecordsEvent(t *testing.T) {
	store := memory.NewStore()
	notifications := memory.NewIncidentNotificationRepository(store)
	events := memory.NewIncidentEventRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()
	incidentID := domain.NewID()

	now := time.Now()
	require.NoError(t, notifications.Upsert(ctx, nil, &domain.IncidentNotification{
		OrgID: orgID, IncidentID: incidentID, EscalationLevel: 0,
		Type: domain.IncidentNotificationCreation, DueAt: now, SendEmail: true, SendPush: true,
	}))

	dir := &fakeDirectory{membersByOrg: map[domain.OrganizationID][]notifydispatch.Recipient{
		orgID: {{UserID: "u1", Email: "u1@example.com"}},
	}}
	email := &fakeEmail{}
	push := &fakePush{}

	d := notifydispatch.New(notifications, events, store, dir, email, nil, push)
	count, err := d.DispatchBatch(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, email.sent)
	assert.Equal(t, 1, push.sent)

	evs, err := events.ListByIncident(ctx, nil, orgID, incidentID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.IncidentEventNotification, evs[0].EventType)
	require.NotNil(t, evs[0].Payload.NotificationChannels)
	assert.True(t, evs[0].Payload.NotificationChannels.Email)
	assert.True(t, evs[0].Payload.NotificationChannels.Push)
	assert.False(t, evs[0].Payload.NotificationChannels.SMS)
}

func TestDispatchBatch_CachesDirectoryLookupPerOrgPerBatch(t *testing.T) {
	store := memory.NewStore()
	notifications := memory.NewIncidentNotificationRepository(store)
	events := memory.NewIncidentEventRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, notifications.Upsert(ctx, nil, &domain.IncidentNotification{
			OrgID: orgID, IncidentID: domain.NewID(), EscalationLevel: 0,
			Type: domain.IncidentNotificationCreation, DueAt: now, SendEmail: true,
		}))
	}

	dir := &fakeDirectory{membersByOrg: map[domain.OrganizationID][]notifydispatch.Recipient{}}
	email := &fakeEmail{}

	d := notifydispatch.New(notifications, events, store, dir, email, nil, nil)
	count, err := d.DispatchBatch(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 1, dir.calls)
	assert.Equal(t, 3, email.sent)
}

func TestDispatchBatch_NotYetDueNotificationIsNotClaimed(t *testing.T) {
	store := memory.NewStore()
	notifications := memory.NewIncidentNotificationRepository(store)
	events := memory.NewIncidentEventRepository(store)
	ctx := context.Background()
	orgID := domain.NewID()

	future := time.Now().Add(time.Hour)
	require.NoError(t, notifications.Upsert(ctx, nil, &domain.IncidentNotification{
		OrgID: orgID, IncidentID: domain.NewID(), EscalationLevel: 0,
		Type: domain.IncidentNotificationCreation, DueAt: future,
	}))

	d := notifydispatch.New(notifications, events, store, &fakeDirectory{}, nil, nil, nil)
	count, err := d.DispatchBatch(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
