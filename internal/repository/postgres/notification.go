package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// IncidentNotificationRepository implements
// repository.IncidentNotificationRepository against the pending
// incidents_notifications queue table.
type IncidentNotificationRepository struct{}

var _ repository.IncidentNotificationRepository = IncidentNotificationRepository{}

// Upsert inserts or replaces the pending notification for (incident,
// escalation_level, type), so re-materializing an incident mid-escalation
// never produces two rows racing to notify the same level.
func (IncidentNotificationRepository) Upsert(ctx context.Context, q repository.Querier, n *domain.IncidentNotification) error {
	payload, err := marshalJSON(n.Payload)
	if err != nil {
		return err
	}

	stmt := `INSERT INTO incidents_notifications (
			organization_id, incident_id, escalation_level, type, due_at, payload,
			send_email, send_push, send_sms
		) VALUES (` + placeholders(9) + `)
		ON CONFLICT (organization_id, incident_id, escalation_level, type) DO UPDATE SET
			due_at = EXCLUDED.due_at,
			payload = EXCLUDED.payload,
			send_email = EXCLUDED.send_email,
			send_push = EXCLUDED.send_push,
			send_sms = EXCLUDED.send_sms`

	_, err = q.ExecContext(ctx, stmt, n.OrgID, n.IncidentID, n.EscalationLevel, int(n.Type), n.DueAt,
		payload, n.SendEmail, n.SendPush, n.SendSMS)
	if err != nil {
		return fmt.Errorf("failed to upsert incident notification: %w", err)
	}
	return nil
}

// CancelForIncident removes every pending notification for an incident, used
// when an incident resolves before its next escalation comes due.
func (IncidentNotificationRepository) CancelForIncident(ctx context.Context, q repository.Querier, orgID, incidentID domain.IncidentID) error {
	stmt := `DELETE FROM incidents_notifications WHERE organization_id = ` + placeholder(1) + ` AND incident_id = ` + placeholder(2)

	if _, err := q.ExecContext(ctx, stmt, orgID, incidentID); err != nil {
		return fmt.Errorf("failed to cancel incident notifications: %w", err)
	}
	return nil
}

// ClaimBatch selects and deletes up to limit due rows in one statement via
// DELETE ... RETURNING, so the claim is atomic within the caller's
// transaction without a separate SELECT ... FOR UPDATE SKIP LOCKED round
// trip racing the delete.
func (IncidentNotificationRepository) ClaimBatch(ctx context.Context, q repository.Querier, now time.Time, limit int) ([]*domain.IncidentNotification, error) {
	stmt := `DELETE FROM incidents_notifications
		WHERE ctid IN (
			SELECT ctid FROM incidents_notifications
			WHERE due_at <= ` + placeholder(1) + `
			ORDER BY due_at ASC
			LIMIT ` + placeholder(2) + `
			FOR UPDATE SKIP LOCKED
		)
		RETURNING organization_id, incident_id, escalation_level, type, due_at, payload,
			send_email, send_push, send_sms`

	rows, err := q.QueryContext(ctx, stmt, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim incident notification batch: %w", err)
	}
	defer rows.Close()

	var notifications []*domain.IncidentNotification
	for rows.Next() {
		var (
			n          domain.IncidentNotification
			payloadRaw []byte
		)
		if err := rows.Scan(&n.OrgID, &n.IncidentID, &n.EscalationLevel, &n.Type, &n.DueAt, &payloadRaw,
			&n.SendEmail, &n.SendPush, &n.SendSMS); err != nil {
			return nil, fmt.Errorf("failed to scan claimed notification: %w", err)
		}
		if err := unmarshalJSON(payloadRaw, &n.Payload); err != nil {
			return nil, err
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed notifications: %w", err)
	}
	return notifications, nil
}
