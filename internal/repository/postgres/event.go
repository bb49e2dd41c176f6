package postgres

import (
	"context"
	"fmt"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// IncidentEventRepository implements repository.IncidentEventRepository
// against the append-only incident_timeline_events table.
type IncidentEventRepository struct{}

var _ repository.IncidentEventRepository = IncidentEventRepository{}

func (IncidentEventRepository) Append(ctx context.Context, q repository.Querier, ev *domain.IncidentEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return err
	}

	stmt := `INSERT INTO incident_timeline_events (organization_id, incident_id, event_type, payload, created_at)
		VALUES (` + placeholders(5) + `)`

	if _, err := q.ExecContext(ctx, stmt, ev.OrgID, ev.IncidentID, int(ev.EventType), payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("failed to append incident event: %w", err)
	}
	return nil
}

func (r IncidentEventRepository) AppendMany(ctx context.Context, q repository.Querier, evs []*domain.IncidentEvent) error {
	for _, ev := range evs {
		if err := r.Append(ctx, q, ev); err != nil {
			return err
		}
	}
	return nil
}

func (IncidentEventRepository) ListByIncident(ctx context.Context, q repository.Querier, orgID, incidentID domain.IncidentID) ([]*domain.IncidentEvent, error) {
	stmt := `SELECT id, organization_id, incident_id, event_type, payload, created_at
		FROM incident_timeline_events
		WHERE organization_id = ` + placeholder(1) + ` AND incident_id = ` + placeholder(2) + `
		ORDER BY created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, stmt, orgID, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident events: %w", err)
	}
	defer rows.Close()

	var events []*domain.IncidentEvent
	for rows.Next() {
		var (
			ev         domain.IncidentEvent
			payloadRaw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.IncidentID, &ev.EventType, &payloadRaw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident event: %w", err)
		}
		if err := unmarshalJSON(payloadRaw, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incident events: %w", err)
	}
	return events, nil
}
