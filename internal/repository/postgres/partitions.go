package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// MaintenanceRepository implements repository.MaintenanceRepository. The
// incidents table (and its append-only incident_timeline_events child) is
// partitioned by month on created_at, so ingest never blocks on an unbounded
// index; this sweep creates the partitions for a given month ahead of time.
type MaintenanceRepository struct{}

var _ repository.MaintenanceRepository = MaintenanceRepository{}

func (MaintenanceRepository) EnsurePartitionsForMonth(ctx context.Context, q repository.Querier, month time.Time) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	suffix := start.Format("2006_01")

	statements := []string{
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS incidents_%s PARTITION OF incidents FOR VALUES FROM ('%s') TO ('%s')`,
			suffix, start.Format(time.RFC3339), end.Format(time.RFC3339)),
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS incident_timeline_events_%s PARTITION OF incident_timeline_events FOR VALUES FROM ('%s') TO ('%s')`,
			suffix, start.Format(time.RFC3339), end.Format(time.RFC3339)),
	}

	for _, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure partition for %s: %w", suffix, err)
		}
	}
	return nil
}
