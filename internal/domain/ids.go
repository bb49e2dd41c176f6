// Package domain holds the entities, enums and invariants of the monitoring
// execution engine: http monitors, scheduled tasks, task runs, incidents and
// their notifications. It has no dependency on how these are stored or how
// the components that mutate them are scheduled.
package domain

import "github.com/google/uuid"

// OrganizationID scopes every entity to a tenant. Every query and mutation in
// the repository layer is filtered by it.
type OrganizationID = uuid.UUID

// MonitorID identifies an HttpMonitor within an organization.
type MonitorID = uuid.UUID

// IncidentID identifies an Incident within an organization.
type IncidentID = uuid.UUID

// TaskID is a stable, user-supplied identifier: non-empty, no whitespace.
type TaskID string

// NewID generates a fresh random identifier for entities keyed by uuid.
func NewID() uuid.UUID {
	return uuid.New()
}
