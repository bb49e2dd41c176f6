// Package httpmonitor is the HTTP Monitor Executor (spec.md §4.1): it pulls
// due monitors, probes them concurrently, and runs each observation through
// the monitor status machine, materializing incidents and timeline events.
package httpmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/duty-duck/duty-duck-sub000/internal/core/materializer"
	"github.com/duty-duck/duty-duck-sub000/internal/core/statemachine"
	"github.com/duty-duck/duty-duck-sub000/internal/domain"
	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// Executor realizes spec.md §4.1's public contract: RunWorkers and
// ExecuteBatch.
type Executor struct {
	Monitors     repository.MonitorRepository
	UnitOfWork   repository.UnitOfWork
	Materializer *materializer.Materializer
	Prober       Prober
	Blobs        BlobStore
	Now          func() time.Time

	// ProbeRateLimit caps outbound probes per organization per second,
	// guarding a target from being hammered if interval is misconfigured
	// very low. Zero means unlimited.
	ProbeRateLimit rate.Limit
	ProbeBurst     int

	orgLimiterMu sync.Mutex
	orgLimiters  map[domain.OrganizationID]*rate.Limiter
}

func New(monitors repository.MonitorRepository, uow repository.UnitOfWork, m *materializer.Materializer, prober Prober, blobs BlobStore) *Executor {
	if blobs == nil {
		blobs = NoopBlobStore{}
	}
	return &Executor{
		Monitors:     monitors,
		UnitOfWork:   uow,
		Materializer: m,
		Prober:       prober,
		Blobs:        blobs,
		Now:          time.Now,
		orgLimiters:  make(map[domain.OrganizationID]*rate.Limiter),
	}
}

// limiterFor returns the per-organization probe rate limiter, creating it on
// first use. Returns nil when ProbeRateLimit is unset (unlimited).
func (e *Executor) limiterFor(orgID domain.OrganizationID) *rate.Limiter {
	if e.ProbeRateLimit <= 0 {
		return nil
	}
	e.orgLimiterMu.Lock()
	defer e.orgLimiterMu.Unlock()
	if e.orgLimiters == nil {
		e.orgLimiters = make(map[domain.OrganizationID]*rate.Limiter)
	}
	l, ok := e.orgLimiters[orgID]
	if !ok {
		burst := e.ProbeBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(e.ProbeRateLimit, burst)
		e.orgLimiters[orgID] = l
	}
	return l
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunWorkers starts n long-running workers. Each sleeps interval, calls
// ExecuteBatch, logs the outcome, and stops when ctx is cancelled — the
// in-flight batch is allowed to finish and commit before the worker exits.
func (e *Executor) RunWorkers(ctx context.Context, n, selectLimit, pingConcurrency int, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		workerID := i
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					count, err := e.ExecuteBatch(context.WithoutCancel(ctx), selectLimit, pingConcurrency)
					if err != nil {
						slog.Error("http monitor batch failed", "worker", workerID, "error", err)
						continue
					}
					if count > 0 {
						slog.Info("http monitor batch processed", "worker", workerID, "count", count)
					}
				}
			}
		})
	}
	return g.Wait()
}

// ExecuteBatch performs one SELECT ... FOR UPDATE SKIP LOCKED batch: probe
// every claimed monitor (bounded by pingConcurrency in-flight probes), run
// each result through handlePingResponse, and commit.
func (e *Executor) ExecuteBatch(ctx context.Context, selectLimit, pingConcurrency int) (int, error) {
	var processed int
	err := e.UnitOfWork.WithinTx(ctx, func(ctx context.Context, q repository.Querier) error {
		now := e.now()
		monitors, err := e.Monitors.SelectBatchForPing(ctx, q, now, selectLimit)
		if err != nil {
			return err
		}
		if len(monitors) == 0 {
			return nil
		}

		observations := e.probeAll(ctx, monitors, pingConcurrency)

		for i, m := range monitors {
			if err := e.handlePingResponse(ctx, q, m, observations[i], now); err != nil {
				return err
			}
		}
		processed = len(monitors)
		return nil
	})
	return processed, err
}

// probeAll runs one probe per monitor, at most pingConcurrency at a time.
func (e *Executor) probeAll(ctx context.Context, monitors []*domain.HttpMonitor, pingConcurrency int) []ProbeObservation {
	observations := make([]ProbeObservation, len(monitors))
	if pingConcurrency < 1 {
		pingConcurrency = 1
	}

	sem := make(chan struct{}, pingConcurrency)
	var wg sync.WaitGroup
	for i, m := range monitors {
		i, m := i, m
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			if limiter := e.limiterFor(m.OrgID); limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					observations[i] = ProbeObservation{OK: false, ErrorKind: domain.ErrorKindUnknown}
					return
				}
			}
			obs, err := e.Prober.Ping(ctx, m.URL, m.RequestTimeout, m.Headers)
			if err != nil {
				slog.Warn("probe failed to execute", "monitor_id", m.ID, "error", err)
				obs = ProbeObservation{OK: false, ErrorKind: domain.ErrorKindUnknown}
			}
			observations[i] = obs
		}()
	}
	wg.Wait()
	return observations
}

// handlePingResponse implements the status-machine transition plus the
// incident/event side-effect table from spec.md §4.1.
func (e *Executor) handlePingResponse(ctx context.Context, q repository.Querier, m *domain.HttpMonitor, obs ProbeObservation, now time.Time) error {
	transition := statemachine.NextMonitorStatus(
		m.DowntimeConfirmationThreshold,
		m.RecoveryConfirmationThreshold,
		m.StatusCounter,
		obs.OK,
		m.Status,
	)

	ping := domain.HttpMonitorPing{ErrorKind: obs.ErrorKind, HTTPCode: obs.HTTPCode}
	pingResult := &domain.PingResult{
		OK:           obs.OK,
		ErrorKind:    obs.ErrorKind,
		HTTPCode:     obs.HTTPCode,
		Headers:      obs.Headers,
		ResponseTime: obs.ResponseTime,
		IPAddresses:  obs.IPAddresses,
	}
	if len(obs.Body) > 0 {
		fileID := domain.NewID().String()
		if err := e.Blobs.Put(ctx, m.OrgID.String(), fileID, obs.ContentType, obs.Body); err != nil {
			slog.Warn("failed to persist probe response body", "monitor_id", m.ID, "error", err)
		} else {
			pingResult.BodyFileID = &fileID
		}
	}

	existing, err := e.Materializer.Incidents.GetOpenBySource(ctx, q, m.OrgID, domain.IncidentSourceHttpMonitor, m.ID.String())
	if err != nil {
		return err
	}

	if err := e.applySideEffects(ctx, q, m, transition, existing, ping, pingResult, now); err != nil {
		return err
	}

	e.updateMonitor(m, transition, obs, now)
	return e.Monitors.Save(ctx, q, m)
}

func (e *Executor) applySideEffects(ctx context.Context, q repository.Querier, m *domain.HttpMonitor, transition statemachine.MonitorTransition, existing *domain.Incident, ping domain.HttpMonitorPing, pingResult *domain.PingResult, now time.Time) error {
	pingPayload := domain.IncidentEventPayload{Ping: pingResult}

	switch transition.Status {
	case domain.MonitorStatusUp:
		if existing == nil {
			return nil
		}
		if err := e.appendEvent(ctx, q, existing, domain.IncidentEventMonitorPinged, pingPayload, now); err != nil {
			return err
		}
		return e.Materializer.ResolveIncident(ctx, q, existing, now)

	case domain.MonitorStatusRecovering:
		if existing == nil {
			slog.Warn("monitor entered recovering with no open incident", "monitor_id", m.ID)
			return nil
		}
		if transition.Counter != 1 {
			return nil
		}
		if err := e.appendEvent(ctx, q, existing, domain.IncidentEventMonitorPinged, pingPayload, now); err != nil {
			return err
		}
		return e.appendEvent(ctx, q, existing, domain.IncidentEventMonitorSwitchedToRecovering, domain.IncidentEventPayload{}, now)

	case domain.MonitorStatusSuspicious:
		if existing == nil {
			return e.createMonitorIncident(ctx, q, m, domain.IncidentStatusToBeConfirmed, domain.IncidentPriorityMinor, ping, nil, pingPayload, now)
		}
		return e.updateOngoingCause(ctx, q, existing, transition, ping, pingPayload, now)

	case domain.MonitorStatusDown:
		if existing == nil {
			return e.createMonitorIncident(ctx, q, m, domain.IncidentStatusOngoing, domain.IncidentPriorityCritical, ping, notifyOptsFor(m, now), pingPayload, now)
		}
		if existing.Status == domain.IncidentStatusToBeConfirmed {
			if err := e.confirmCauseChanged(ctx, q, existing, ping); err != nil {
				return err
			}
			if err := e.Materializer.ConfirmIncident(ctx, q, existing, notifyOptsFor(m, now), now); err != nil {
				return err
			}
			return e.appendEvent(ctx, q, existing, domain.IncidentEventMonitorPinged, pingPayload, now)
		}
		return e.updateOngoingCause(ctx, q, existing, transition, ping, pingPayload, now)
	}
	return nil
}

// updateOngoingCause handles the shared "Suspicious/Down | Ongoing" row of
// the side-effect table: update the cause if the failure signature changed,
// otherwise append MonitorPinged only on the first observation at this
// status, and always append the MonitorSwitchedTo… event on the first
// observation.
func (e *Executor) updateOngoingCause(ctx context.Context, q repository.Querier, inc *domain.Incident, transition statemachine.MonitorTransition, ping domain.HttpMonitorPing, pingPayload domain.IncidentEventPayload, now time.Time) error {
	changed := e.setCause(inc, ping)
	if changed {
		if err := e.Materializer.Incidents.Save(ctx, q, inc); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, q, inc, domain.IncidentEventMonitorPinged, pingPayload, now); err != nil {
			return err
		}
	} else if transition.Counter == 1 {
		if err := e.appendEvent(ctx, q, inc, domain.IncidentEventMonitorPinged, pingPayload, now); err != nil {
			return err
		}
	}

	if transition.Counter == 1 {
		eventType := domain.IncidentEventMonitorSwitchedToSuspicious
		if transition.Status == domain.MonitorStatusDown {
			eventType = domain.IncidentEventMonitorSwitchedToDown
		}
		return e.appendEvent(ctx, q, inc, eventType, domain.IncidentEventPayload{}, now)
	}
	return nil
}

// confirmCauseChanged updates the cause signature if it changed, ahead of
// ConfirmIncident (which persists the incident row).
func (e *Executor) confirmCauseChanged(ctx context.Context, q repository.Querier, inc *domain.Incident, ping domain.HttpMonitorPing) error {
	e.setCause(inc, ping)
	return nil
}

// setCause updates inc.Cause.HttpMonitor if ping differs from the recorded
// last_ping, pushing the old one into previous_pings. Returns whether it
// changed anything.
func (e *Executor) setCause(inc *domain.Incident, ping domain.HttpMonitorPing) bool {
	if inc.Cause.HttpMonitor == nil {
		inc.Cause.HttpMonitor = &domain.HttpMonitorCause{LastPing: ping}
		return true
	}
	if inc.Cause.HttpMonitor.LastPing.Equal(ping) {
		return false
	}
	inc.Cause.HttpMonitor.PreviousPings = append(inc.Cause.HttpMonitor.PreviousPings, inc.Cause.HttpMonitor.LastPing)
	inc.Cause.HttpMonitor.LastPing = ping
	return true
}

func (e *Executor) createMonitorIncident(ctx context.Context, q repository.Querier, m *domain.HttpMonitor, status domain.IncidentStatus, priority domain.IncidentPriority, ping domain.HttpMonitorPing, notifyOpts *materializer.NotificationOptions, pingPayload domain.IncidentEventPayload, now time.Time) error {
	inc := &domain.Incident{
		ID:         domain.NewID(),
		OrgID:      m.OrgID,
		Status:     status,
		Priority:   priority,
		SourceType: domain.IncidentSourceHttpMonitor,
		SourceID:   m.ID.String(),
		Cause:      domain.IncidentCause{HttpMonitor: &domain.HttpMonitorCause{LastPing: ping}},
		CreatedAt:  now,
	}
	if err := e.Materializer.CreateIncident(ctx, q, inc, notifyOpts, now); err != nil {
		return err
	}
	return e.appendEvent(ctx, q, inc, domain.IncidentEventMonitorPinged, pingPayload, now)
}

func (e *Executor) appendEvent(ctx context.Context, q repository.Querier, inc *domain.Incident, eventType domain.IncidentEventType, payload domain.IncidentEventPayload, now time.Time) error {
	return e.Materializer.Events.Append(ctx, q, &domain.IncidentEvent{
		OrgID:      inc.OrgID,
		IncidentID: inc.ID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  now,
	})
}

func notifyOptsFor(m *domain.HttpMonitor, now time.Time) *materializer.NotificationOptions {
	if !m.NotifyEmail && !m.NotifyPush && !m.NotifySMS {
		return nil
	}
	return &materializer.NotificationOptions{
		Type:      domain.IncidentNotificationCreation,
		DueAt:     now,
		SendEmail: m.NotifyEmail,
		SendPush:  m.NotifyPush,
		SendSMS:   m.NotifySMS,
		Payload: domain.NotificationPayload{
			SourceType: domain.IncidentSourceHttpMonitor,
			SourceID:   m.ID.String(),
			Priority:   domain.IncidentPriorityCritical,
		},
	}
}

func (e *Executor) updateMonitor(m *domain.HttpMonitor, transition statemachine.MonitorTransition, obs ProbeObservation, now time.Time) {
	if m.FirstPingAt == nil {
		first := now
		m.FirstPingAt = &first
	}
	if transition.Status != m.Status {
		changedAt := now
		m.LastStatusChangeAt = &changedAt
	}
	m.Status = transition.Status
	m.StatusCounter = transition.Counter
	m.ErrorKind = obs.ErrorKind
	m.LastHTTPCode = obs.HTTPCode
	lastPing := now
	m.LastPingAt = &lastPing
	next := now.Add(m.Interval)
	m.NextPingAt = &next
}
