// Package notifydispatch implements the NotificationDispatcher from
// spec.md §4.5: a claim-and-act loop that, on each tick, claims due
// IncidentNotification rows, appends a Notification event recording which
// channels were attempted, and delegates actual delivery to the
// out-of-scope transport collaborators (§6). Delivery is best-effort per
// channel; a failed send is logged and never rolls back the transaction.
package notifydispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// Recipient is the minimal addressing information the transports need,
// resolved from the user/org directory.
type Recipient struct {
	UserID string
	Email  string
	Phone  string
	Device string
}

// EmailTransport, SMSTransport and PushTransport are the (out-of-scope)
// channel-specific delivery collaborators. Each send is independent: a
// failure on one channel never blocks or reverts another.
type EmailTransport interface {
	SendEmail(ctx context.Context, to []Recipient, n *domain.IncidentNotification) error
}

type SMSTransport interface {
	SendSMS(ctx context.Context, to []Recipient, n *domain.IncidentNotification) error
}

type PushTransport interface {
	SendPush(ctx context.Context, to []Recipient, n *domain.IncidentNotification) error
}

// Directory resolves the recipients for an organization. Implementations
// are expected to be called at most once per (org, batch) by the
// dispatcher's per-batch cache below.
type Directory interface {
	MembersForOrg(ctx context.Context, orgID domain.OrganizationID) ([]Recipient, error)
}

// Dispatcher wires the claim queue to the transports and directory.
type Dispatcher struct {
	Notifications repository.IncidentNotificationRepository
	Events        repository.IncidentEventRepository
	UnitOfWork    repository.UnitOfWork
	Directory     Directory
	Email         EmailTransport
	SMS           SMSTransport
	Push          PushTransport
}

func New(notifications repository.IncidentNotificationRepository, events repository.IncidentEventRepository, uow repository.UnitOfWork, dir Directory, email EmailTransport, sms SMSTransport, push PushTransport) *Dispatcher {
	return &Dispatcher{
		Notifications: notifications,
		Events:        events,
		UnitOfWork:    uow,
		Directory:     dir,
		Email:         email,
		SMS:           sms,
		Push:          push,
	}
}

func (d *Dispatcher) RunWorkers(ctx context.Context, interval time.Duration, selectLimit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := d.DispatchBatch(ctx, time.Now(), selectLimit)
			if err != nil {
				slog.Error("notification dispatch batch failed", "error", err)
				continue
			}
			if count > 0 {
				slog.Info("notifications dispatched", "count", count)
			}
		}
	}
}

// DispatchBatch claims up to selectLimit due notifications, resolves
// recipients through a per-batch, per-organization cache, attempts delivery
// on every enabled channel, and appends one Notification event per claimed
// row recording which channels were attempted.
func (d *Dispatcher) DispatchBatch(ctx context.Context, now time.Time, selectLimit int) (int, error) {
	// Scoped to this single batch: never shared across workers or ticks, so a
	// membership change between batches is picked up on the very next one.
	recipientCache := map[domain.OrganizationID][]Recipient{}

	var count int
	err := d.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		claimed, err := d.Notifications.ClaimBatch(ctx, q, now, selectLimit)
		if err != nil {
			return err
		}
		for _, n := range claimed {
			recipients, ok := recipientCache[n.OrgID]
			if !ok {
				recipients, err = d.Directory.MembersForOrg(ctx, n.OrgID)
				if err != nil {
					slog.Error("failed to resolve notification recipients", "org_id", n.OrgID, "error", err)
					recipients = nil
				}
				recipientCache[n.OrgID] = recipients
			}

			channels := d.deliver(ctx, recipients, n)

			if err := d.Events.Append(ctx, q, &domain.IncidentEvent{
				OrgID:      n.OrgID,
				IncidentID: n.IncidentID,
				EventType:  domain.IncidentEventNotification,
				Payload:    domain.IncidentEventPayload{NotificationChannels: &channels},
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		count = len(claimed)
		return nil
	})
	return count, err
}

// deliver attempts every enabled channel independently, logging (but not
// propagating) individual send failures, and returns which channels were
// actually attempted.
func (d *Dispatcher) deliver(ctx context.Context, recipients []Recipient, n *domain.IncidentNotification) domain.NotificationChannels {
	attempted := domain.NotificationChannels{}

	if n.SendEmail && d.Email != nil {
		attempted.Email = true
		if err := d.Email.SendEmail(ctx, recipients, n); err != nil {
			slog.Error("email delivery failed", "incident_id", n.IncidentID, "error", err)
		}
	}
	if n.SendSMS && d.SMS != nil {
		attempted.SMS = true
		if err := d.SMS.SendSMS(ctx, recipients, n); err != nil {
			slog.Error("sms delivery failed", "incident_id", n.IncidentID, "error", err)
		}
	}
	if n.SendPush && d.Push != nil {
		attempted.Push = true
		if err := d.Push.SendPush(ctx, recipients, n); err != nil {
			slog.Error("push delivery failed", "incident_id", n.IncidentID, "error", err)
		}
	}
	return attempted
}
