// Package memory provides in-process fakes of every repository port, so the
// core components (executor, coordinator, collectors, materializer,
// dispatcher) can be exercised in tests without a Postgres instance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

type taskRunKey struct {
	orgID     domain.OrganizationID
	taskID    domain.TaskID
	startedAt time.Time
}

// Store is a single in-memory backend for every repository interface plus
// UnitOfWork. It serializes all access behind one mutex: WithinTx does not
// give true transactional isolation, only enough to exercise component logic
// one call at a time.
type Store struct {
	mu sync.Mutex

	monitors      map[domain.MonitorID]*domain.HttpMonitor
	tasks         map[string]*domain.Task // key: orgID+"/"+taskID
	taskRuns      map[taskRunKey]*domain.TaskRun
	incidents     map[domain.IncidentID]*domain.Incident
	events        []*domain.IncidentEvent
	notifications []*domain.IncidentNotification
	nextEventID   int64
}

func NewStore() *Store {
	return &Store{
		monitors: make(map[domain.MonitorID]*domain.HttpMonitor),
		tasks:    make(map[string]*domain.Task),
		taskRuns: make(map[taskRunKey]*domain.TaskRun),
		incidents: make(map[domain.IncidentID]*domain.Incident),
	}
}

// WithinTx runs fn with no isolation of its own: each repository method fn
// calls locks the store independently for the duration of that single call.
// fn's error (or panic) prevents nothing from being undone — callers must
// not rely on Postgres-grade rollback semantics in tests, only on every
// individual repository call being serialized against the others.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.Querier) error) error {
	return fn(ctx, nil)
}

func taskKey(orgID domain.OrganizationID, id domain.TaskID) string {
	return orgID.String() + "/" + string(id)
}

// --- MonitorRepository ---

type MonitorRepository struct{ s *Store }

func NewMonitorRepository(s *Store) MonitorRepository { return MonitorRepository{s: s} }

var _ repository.MonitorRepository = MonitorRepository{}

func (r MonitorRepository) SelectBatchForPing(ctx context.Context, q repository.Querier, now time.Time, limit int) ([]*domain.HttpMonitor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*domain.HttpMonitor
	for _, m := range r.s.monitors {
		if !m.Status.IsActive() {
			continue
		}
		if m.NextPingAt == nil || m.NextPingAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextPingAt.Before(*due[j].NextPingAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r MonitorRepository) Save(ctx context.Context, q repository.Querier, m *domain.HttpMonitor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *m
	r.s.monitors[m.ID] = &cp
	return nil
}

func (r MonitorRepository) Get(ctx context.Context, q repository.Querier, orgID, id domain.MonitorID) (*domain.HttpMonitor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.monitors[id]
	if !ok || m.OrgID != orgID {
		return nil, errNotFound
	}
	cp := *m
	return &cp, nil
}

func (r MonitorRepository) ToggleActive(ctx context.Context, q repository.Querier, orgID, id domain.MonitorID, active bool, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.monitors[id]
	if !ok || m.OrgID != orgID {
		return errNotFound
	}
	if active {
		m.Status = domain.MonitorStatusUnknown
		m.StatusCounter = 1
		m.NextPingAt = &now
	} else {
		m.Status = domain.MonitorStatusInactive
		m.NextPingAt = nil
	}
	return nil
}

// --- TaskRepository ---

type TaskRepository struct{ s *Store }

func NewTaskRepository(s *Store) TaskRepository { return TaskRepository{s: s} }

var _ repository.TaskRepository = TaskRepository{}

func (r TaskRepository) Get(ctx context.Context, q repository.Querier, orgID domain.OrganizationID, id domain.TaskID) (*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[taskKey(orgID, id)]
	if !ok {
		return nil, errNotFound
	}
	cp := *t
	return &cp, nil
}

func (r TaskRepository) Save(ctx context.Context, q repository.Querier, t *domain.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *t
	r.s.tasks[taskKey(t.OrgID, t.ID)] = &cp
	return nil
}

func (r TaskRepository) SelectBatch(ctx context.Context, q repository.Querier, filter repository.TaskFilter) ([]*domain.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	statusSet := make(map[domain.TaskStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statusSet[st] = true
	}

	var out []*domain.Task
	for _, t := range r.s.tasks {
		if filter.OrgID != nil && t.OrgID != *filter.OrgID {
			continue
		}
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if filter.DueBefore != nil && (t.NextDueAt == nil || t.NextDueAt.After(*filter.DueBefore)) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextDueAt == nil {
			return false
		}
		if out[j].NextDueAt == nil {
			return true
		}
		return out[i].NextDueAt.Before(*out[j].NextDueAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- TaskRunRepository ---

type TaskRunRepository struct{ s *Store }

func NewTaskRunRepository(s *Store) TaskRunRepository { return TaskRunRepository{s: s} }

var _ repository.TaskRunRepository = TaskRunRepository{}

func (r TaskRunRepository) GetCurrent(ctx context.Context, q repository.Querier, orgID domain.OrganizationID, taskID domain.TaskID) (*domain.TaskRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *domain.TaskRun
	for k, run := range r.s.taskRuns {
		if k.orgID != orgID || k.taskID != taskID || run.Status != domain.TaskRunStatusRunning {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r TaskRunRepository) Save(ctx context.Context, q repository.Querier, run *domain.TaskRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *run
	r.s.taskRuns[taskRunKey{run.OrgID, run.TaskID, run.StartedAt}] = &cp
	return nil
}

func (r TaskRunRepository) SelectRunningPastHeartbeatTimeout(ctx context.Context, q repository.Querier, now time.Time, limit int) ([]*domain.TaskRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.TaskRun
	for k, run := range r.s.taskRuns {
		if run.Status != domain.TaskRunStatusRunning {
			continue
		}
		t, ok := r.s.tasks[taskKey(k.orgID, k.taskID)]
		if !ok {
			continue
		}
		last := run.StartedAt
		if run.LastHeartbeatAt != nil {
			last = *run.LastHeartbeatAt
		}
		if now.Sub(last) < t.HeartbeatTimeout {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r TaskRunRepository) DeleteTerminalOlderThan(ctx context.Context, q repository.Querier, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for k, run := range r.s.taskRuns {
		if run.Status == domain.TaskRunStatusRunning {
			continue
		}
		if run.CompletedAt == nil || !run.CompletedAt.Before(cutoff) {
			continue
		}
		delete(r.s.taskRuns, k)
		n++
	}
	return n, nil
}

// --- IncidentRepository ---

type IncidentRepository struct{ s *Store }

func NewIncidentRepository(s *Store) IncidentRepository { return IncidentRepository{s: s} }

var _ repository.IncidentRepository = IncidentRepository{}

func (r IncidentRepository) Create(ctx context.Context, q repository.Querier, inc *domain.Incident) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *inc
	r.s.incidents[inc.ID] = &cp
	return nil
}

func (r IncidentRepository) Save(ctx context.Context, q repository.Querier, inc *domain.Incident) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.incidents[inc.ID]; !ok {
		return errNotFound
	}
	cp := *inc
	r.s.incidents[inc.ID] = &cp
	return nil
}

func (r IncidentRepository) Get(ctx context.Context, q repository.Querier, orgID, id domain.IncidentID) (*domain.Incident, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inc, ok := r.s.incidents[id]
	if !ok || inc.OrgID != orgID {
		return nil, errNotFound
	}
	cp := *inc
	return &cp, nil
}

func (r IncidentRepository) GetOpenBySource(ctx context.Context, q repository.Querier, orgID domain.OrganizationID, sourceType domain.IncidentSourceType, sourceID string) (*domain.Incident, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *domain.Incident
	for _, inc := range r.s.incidents {
		if inc.OrgID != orgID || inc.SourceType != sourceType || inc.SourceID != sourceID {
			continue
		}
		if inc.Status == domain.IncidentStatusResolved {
			continue
		}
		if best == nil || inc.CreatedAt.After(best.CreatedAt) {
			best = inc
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r IncidentRepository) List(ctx context.Context, q repository.Querier, filter repository.IncidentFilter) ([]*domain.Incident, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Incident
	for _, inc := range r.s.incidents {
		if inc.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != nil && inc.Status != *filter.Status {
			continue
		}
		if filter.Priority != nil && inc.Priority != *filter.Priority {
			continue
		}
		if filter.SourceType != nil && inc.SourceType != *filter.SourceType {
			continue
		}
		if filter.Since != nil && inc.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !inc.CreatedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- IncidentEventRepository ---

type IncidentEventRepository struct{ s *Store }

func NewIncidentEventRepository(s *Store) IncidentEventRepository { return IncidentEventRepository{s: s} }

var _ repository.IncidentEventRepository = IncidentEventRepository{}

func (r IncidentEventRepository) Append(ctx context.Context, q repository.Querier, ev *domain.IncidentEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextEventID++
	cp := *ev
	cp.ID = r.s.nextEventID
	r.s.events = append(r.s.events, &cp)
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

func (r IncidentEventRepository) ListByIncident(ctx context.Context, q repository.Querier, orgID, incidentID domain.IncidentID) ([]*domain.IncidentEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.IncidentEvent
	for _, ev := range r.s.events {
		if ev.OrgID == orgID && ev.IncidentID == incidentID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- IncidentNotificationRepository ---

type IncidentNotificationRepository struct{ s *Store }

func NewIncidentNotificationRepository(s *Store) IncidentNotificationRepository {
	return IncidentNotificationRepository{s: s}
}

var _ repository.IncidentNotificationRepository = IncidentNotificationRepository{}

func (r IncidentNotificationRepository) Upsert(ctx context.Context, q repository.Querier, n *domain.IncidentNotification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i, existing := range r.s.notifications {
		if existing.OrgID == n.OrgID && existing.IncidentID == n.IncidentID &&
			existing.EscalationLevel == n.EscalationLevel && existing.Type == n.Type {
			cp := *n
			r.s.notifications[i] = &cp
			return nil
		}
	}
	cp := *n
	r.s.notifications = append(r.s.notifications, &cp)
	return nil
}

func (r IncidentNotificationRepository) CancelForIncident(ctx context.Context, q repository.Querier, orgID, incidentID domain.IncidentID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	kept := r.s.notifications[:0]
	for _, n := range r.s.notifications {
		if n.OrgID == orgID && n.IncidentID == incidentID {
			continue
		}
		kept = append(kept, n)
	}
	r.s.notifications = kept
	return nil
}

func (r IncidentNotificationRepository) ClaimBatch(ctx context.Context, q repository.Querier, now time.Time, limit int) ([]*domain.IncidentNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var claimed []*domain.IncidentNotification
	var remaining []*domain.IncidentNotification
	for _, n := range r.s.notifications {
		if (limit <= 0 || len(claimed) < limit) && !n.DueAt.After(now) {
			claimed = append(claimed, n)
		} else {
			remaining = append(remaining, n)
		}
	}
	r.s.notifications = remaining
	return claimed, nil
}

// --- MaintenanceRepository ---

type MaintenanceRepository struct{}

var _ repository.MaintenanceRepository = MaintenanceRepository{}

func (MaintenanceRepository) EnsurePartitionsForMonth(ctx context.Context, q repository.Querier, month time.Time) error {
	return nil
}
