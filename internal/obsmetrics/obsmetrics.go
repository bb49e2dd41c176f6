// Package obsmetrics exports Prometheus metrics for the monitoring execution
// engine's worker pools: batch duration and item counts per component,
// incidents opened by source type, and notifications dispatched by channel.
package obsmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the registry and metric vectors shared by every worker
// pool in the process.
type Exporter struct {
	registry *prometheus.Registry

	batchDuration *prometheus.HistogramVec
	batchItems    *prometheus.CounterVec
	batchErrors   *prometheus.CounterVec

	incidentsOpened         *prometheus.CounterVec
	notificationsDispatched *prometheus.CounterVec
}

// Config configures the exporter's histogram buckets.
type Config struct {
	Registry       *prometheus.Registry
	LatencyBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// New creates the exporter and registers all metric vectors.
func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dutyduck",
			Subsystem: "worker",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one collector/executor/dispatcher batch",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"component"},
	)

	e.batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dutyduck",
			Subsystem: "worker",
			Name:      "batch_items_total",
			Help:      "Number of items processed by a batch",
		},
		[]string{"component"},
	)

	e.batchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dutyduck",
			Subsystem: "worker",
			Name:      "batch_errors_total",
			Help:      "Number of batches that returned an error",
		},
		[]string{"component"},
	)

	e.incidentsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dutyduck",
			Subsystem: "incidents",
			Name:      "opened_total",
			Help:      "Incidents created, by source type",
		},
		[]string{"source_type"},
	)

	e.notificationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dutyduck",
			Subsystem: "notifications",
			Name:      "dispatched_total",
			Help:      "Incident notifications delivered, by channel",
		},
		[]string{"channel"},
	)

	registry.MustRegister(
		e.batchDuration,
		e.batchItems,
		e.batchErrors,
		e.incidentsOpened,
		e.notificationsDispatched,
	)

	return e
}

// RecordBatch records the outcome of one worker batch: how long it took,
// how many items it processed, and whether it failed.
func (e *Exporter) RecordBatch(component string, d time.Duration, itemCount int, err error) {
	e.batchDuration.WithLabelValues(component).Observe(d.Seconds())
	e.batchItems.WithLabelValues(component).Add(float64(itemCount))
	if err != nil {
		e.batchErrors.WithLabelValues(component).Inc()
	}
}

// RecordIncidentOpened increments the opened-incidents counter for a source
// type ("http_monitor", "task", "task_run").
func (e *Exporter) RecordIncidentOpened(sourceType string) {
	e.incidentsOpened.WithLabelValues(sourceType).Inc()
}

// RecordNotificationDispatched increments the dispatched-notifications
// counter for a channel ("email", "sms", "push").
func (e *Exporter) RecordNotificationDispatched(channel string) {
	e.notificationsDispatched.WithLabelValues(channel).Inc()
}

// Handler returns the promhttp handler serving this exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
