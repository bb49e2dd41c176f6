package main

import (
	"context"
	"log/slog"

	"github.com/duty-duck/duty-duck-sub000/internal/core/notifydispatch"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
)

// loggingDirectory and loggingTransport stand in for the out-of-scope user
// directory and email/SMS/push transport collaborators named in spec.md §6.
// They let the notification dispatcher run end-to-end without a real
// delivery backend configured: recipients resolve to none and every send is
// logged instead of attempted, so an operator wiring in the real
// collaborators has a drop-in replacement point.
type loggingDirectory struct{}

func (loggingDirectory) MembersForOrg(ctx context.Context, orgID domain.OrganizationID) ([]notifydispatch.Recipient, error) {
	slog.Warn("no directory collaborator configured, resolving to zero recipients", "org_id", orgID)
	return nil, nil
}

type loggingTransport struct{}

func (loggingTransport) SendEmail(ctx context.Context, to []notifydispatch.Recipient, n *domain.IncidentNotification) error {
	slog.Info("email transport not configured, skipping send", "incident_id", n.IncidentID, "recipients", len(to))
	return nil
}

func (loggingTransport) SendSMS(ctx context.Context, to []notifydispatch.Recipient, n *domain.IncidentNotification) error {
	slog.Info("sms transport not configured, skipping send", "incident_id", n.IncidentID, "recipients", len(to))
	return nil
}

func (loggingTransport) SendPush(ctx context.Context, to []notifydispatch.Recipient, n *domain.IncidentNotification) error {
	slog.Info("push transport not configured, skipping send", "incident_id", n.IncidentID, "recipients", len(to))
	return nil
}
