// Package materializer is the shared subsystem behind spec.md §4.5: every
// component that opens, confirms, resolves or acknowledges an incident goes
// through here rather than writing incident/event/notification rows itself.
// Centralizing it is what keeps the three tables' invariants (exactly one
// Creation event, notifications cancelled on resolution, acknowledgement
// idempotence) true regardless of which caller reached the incident.
package materializer

import (
	"context"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// Materializer wires the incident, event and notification repositories
// together. It never opens a transaction itself — callers already hold one
// via the Querier they pass in.
type Materializer struct {
	Incidents     repository.IncidentRepository
	Events        repository.IncidentEventRepository
	Notifications repository.IncidentNotificationRepository
}

func New(incidents repository.IncidentRepository, events repository.IncidentEventRepository, notifications repository.IncidentNotificationRepository) *Materializer {
	return &Materializer{Incidents: incidents, Events: events, Notifications: notifications}
}

// NotificationOptions describes the pending notification row to upsert
// alongside an incident creation or confirmation. A nil *NotificationOptions
// means no channel is enabled for this incident and no row is written, per
// spec §4.1's "Suspicious | none" branch.
type NotificationOptions struct {
	Type       domain.IncidentNotificationType
	DueAt      time.Time
	SendEmail  bool
	SendPush   bool
	SendSMS    bool
	Payload    domain.NotificationPayload
}

// enabled reports whether at least one channel is enabled; callers should pass a
// nil *NotificationOptions instead of one with every channel false, but this
// guards against accidentally materializing a no-op row.
func (o *NotificationOptions) enabled() bool {
	return o != nil && (o.SendEmail || o.SendPush || o.SendSMS)
}

// CreateIncident inserts the incident, appends a Creation event, and upserts
// an escalation-level-0 notification row when notifyOpts enables at least
// one channel.
func (m *Materializer) CreateIncident(ctx context.Context, q repository.Querier, inc *domain.Incident, notifyOpts *NotificationOptions, now time.Time) error {
	if err := m.Incidents.Create(ctx, q, inc); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID:      inc.OrgID,
		IncidentID: inc.ID,
		EventType:  domain.IncidentEventCreation,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if !notifyOpts.enabled() {
		return nil
	}
	return m.Notifications.Upsert(ctx, q, &domain.IncidentNotification{
		OrgID:           inc.OrgID,
		IncidentID:      inc.ID,
		EscalationLevel: 0,
		Type:            notifyOpts.Type,
		DueAt:           notifyOpts.DueAt,
		Payload:         notifyOpts.Payload,
		SendEmail:       notifyOpts.SendEmail,
		SendPush:        notifyOpts.SendPush,
		SendSMS:         notifyOpts.SendSMS,
	})
}

// ConfirmIncident requires the incident to be ToBeConfirmed; it flips it to
// Ongoing, appends Confirmation, and upserts an escalation-level-0
// notification due now.
func (m *Materializer) ConfirmIncident(ctx context.Context, q repository.Querier, inc *domain.Incident, notifyOpts *NotificationOptions, now time.Time) error {
	if inc.Status != domain.IncidentStatusToBeConfirmed {
		return apperrors.ErrIncidentNotConfirmable
	}
	inc.Status = domain.IncidentStatusOngoing

	if err := m.Incidents.Save(ctx, q, inc); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID:      inc.OrgID,
		IncidentID: inc.ID,
		EventType:  domain.IncidentEventConfirmation,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if !notifyOpts.enabled() {
		return nil
	}
	return m.Notifications.Upsert(ctx, q, &domain.IncidentNotification{
		OrgID:           inc.OrgID,
		IncidentID:      inc.ID,
		EscalationLevel: 0,
		Type:            notifyOpts.Type,
		DueAt:           notifyOpts.DueAt,
		Payload:         notifyOpts.Payload,
		SendEmail:       notifyOpts.SendEmail,
		SendPush:        notifyOpts.SendPush,
		SendSMS:         notifyOpts.SendSMS,
	})
}

// ResolveIncident sets Resolved, resolved_at=now, appends Resolution, and
// cancels every pending notification for the incident.
func (m *Materializer) ResolveIncident(ctx context.Context, q repository.Querier, inc *domain.Incident, now time.Time) error {
	inc.Status = domain.IncidentStatusResolved
	inc.ResolvedAt = &now

	if err := m.Incidents.Save(ctx, q, inc); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID:      inc.OrgID,
		IncidentID: inc.ID,
		EventType:  domain.IncidentEventResolution,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	return m.Notifications.CancelForIncident(ctx, q, inc.OrgID, inc.ID)
}

// AcknowledgeIncident is idempotent: acknowledging the same user twice is a
// no-op on the second call, matching original_source's acknowledgement
// idempotence tests (see SPEC_FULL.md).
func (m *Materializer) AcknowledgeIncident(ctx context.Context, q repository.Querier, inc *domain.Incident, userID string, now time.Time) error {
	if inc.Status == domain.IncidentStatusResolved {
		return apperrors.ErrIncidentAlreadyResolved
	}
	for _, u := range inc.AcknowledgedBy {
		if u == userID {
			return nil
		}
	}
	inc.AcknowledgedBy = append(inc.AcknowledgedBy, userID)

	if err := m.Incidents.Save(ctx, q, inc); err != nil {
		return err
	}
	ackUser := userID
	if err := m.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID:      inc.OrgID,
		IncidentID: inc.ID,
		EventType:  domain.IncidentEventAcknowledged,
		Payload:    domain.IncidentEventPayload{AcknowledgedByUser: &ackUser},
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	return m.Notifications.CancelForIncident(ctx, q, inc.OrgID, inc.ID)
}
