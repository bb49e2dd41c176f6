package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// IncidentRepository implements repository.IncidentRepository against the
// incidents table, which is partitioned by month on created_at (see
// partitions.go and MaintenanceRepository).
type IncidentRepository struct{}

var _ repository.IncidentRepository = IncidentRepository{}

const incidentColumns = `id, organization_id, status, priority, source_type, source_id, cause,
	created_by, acknowledged_by, created_at, resolved_at, metadata`

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var (
		inc            domain.Incident
		causeRaw       []byte
		createdBy      sql.NullString
		acknowledgedBy []byte
		resolvedAt     sql.NullTime
		metadataRaw    []byte
	)

	if err := row.Scan(&inc.ID, &inc.OrgID, &inc.Status, &inc.Priority, &inc.SourceType, &inc.SourceID,
		&causeRaw, &createdBy, &acknowledgedBy, &inc.CreatedAt, &resolvedAt, &metadataRaw); err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	if err := unmarshalJSON(causeRaw, &inc.Cause); err != nil {
		return nil, err
	}
	if createdBy.Valid {
		inc.CreatedBy = &createdBy.String
	}
	if err := unmarshalJSON(acknowledgedBy, &inc.AcknowledgedBy); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}
	if err := unmarshalJSON(metadataRaw, &inc.Metadata); err != nil {
		return nil, err
	}

	return &inc, nil
}

func (IncidentRepository) Create(ctx context.Context, q repository.Querier, inc *domain.Incident) error {
	cause, err := marshalJSON(inc.Cause)
	if err != nil {
		return err
	}
	acknowledgedBy, err := marshalJSON(inc.AcknowledgedBy)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(inc.Metadata)
	if err != nil {
		return err
	}

	stmt := `INSERT INTO incidents (` + incidentColumns + `) VALUES (` + placeholders(12) + `)`

	_, err = q.ExecContext(ctx, stmt, inc.ID, inc.OrgID, int(inc.Status), int(inc.Priority),
		int(inc.SourceType), inc.SourceID, cause, inc.CreatedBy, acknowledgedBy, inc.CreatedAt,
		inc.ResolvedAt, metadata)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (IncidentRepository) Save(ctx context.Context, q repository.Querier, inc *domain.Incident) error {
	cause, err := marshalJSON(inc.Cause)
	if err != nil {
		return err
	}
	acknowledgedBy, err := marshalJSON(inc.AcknowledgedBy)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(inc.Metadata)
	if err != nil {
		return err
	}

	stmt := `UPDATE incidents SET
			status = ` + placeholder(1) + `,
			priority = ` + placeholder(2) + `,
			cause = ` + placeholder(3) + `,
			acknowledged_by = ` + placeholder(4) + `,
			resolved_at = ` + placeholder(5) + `,
			metadata = ` + placeholder(6) + `
		WHERE organization_id = ` + placeholder(7) + ` AND id = ` + placeholder(8) + ` AND created_at = ` + placeholder(9)

	res, err := q.ExecContext(ctx, stmt, int(inc.Status), int(inc.Priority), cause, acknowledgedBy,
		inc.ResolvedAt, metadata, inc.OrgID, inc.ID, inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected saving incident: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("incident not found: %w", sql.ErrNoRows)
	}
	return nil
}

func (IncidentRepository) Get(ctx context.Context, q repository.Querier, orgID, id domain.IncidentID) (*domain.Incident, error) {
	stmt := `SELECT ` + incidentColumns + ` FROM incidents WHERE organization_id = ` + placeholder(1) + ` AND id = ` + placeholder(2)

	inc, err := scanIncident(q.QueryRowContext(ctx, stmt, orgID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("incident not found: %w", sql.ErrNoRows)
		}
		return nil, err
	}
	return inc, nil
}

// GetOpenBySource finds the unresolved incident, if any, for a source
// discriminator. This is the duplicate-creation guard every collector must
// consult before calling Create.
func (IncidentRepository) GetOpenBySource(ctx context.Context, q repository.Querier, orgID domain.OrganizationID, sourceType domain.IncidentSourceType, sourceID string) (*domain.Incident, error) {
	stmt := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE organization_id = ` + placeholder(1) + `
			AND source_type = ` + placeholder(2) + `
			AND source_id = ` + placeholder(3) + `
			AND status != ` + placeholder(4) + `
		ORDER BY created_at DESC
		LIMIT 1`

	inc, err := scanIncident(q.QueryRowContext(ctx, stmt, orgID, int(sourceType), sourceID, int(domain.IncidentStatusResolved)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return inc, nil
}

func (IncidentRepository) List(ctx context.Context, q repository.Querier, filter repository.IncidentFilter) ([]*domain.Incident, error) {
	args := []any{filter.OrgID}
	clauses := []string{"organization_id = " + placeholder(1)}

	if filter.Status != nil {
		args = append(args, int(*filter.Status))
		clauses = append(clauses, "status = "+placeholder(len(args)))
	}
	if filter.Priority != nil {
		args = append(args, int(*filter.Priority))
		clauses = append(clauses, "priority = "+placeholder(len(args)))
	}
	if filter.SourceType != nil {
		args = append(args, int(*filter.SourceType))
		clauses = append(clauses, "source_type = "+placeholder(len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		clauses = append(clauses, "created_at >= "+placeholder(len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		clauses = append(clauses, "created_at < "+placeholder(len(args)))
	}

	stmt := `SELECT ` + incidentColumns + ` FROM incidents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		stmt += " LIMIT " + placeholder(len(args))
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incident list: %w", err)
	}
	return incidents, nil
}
