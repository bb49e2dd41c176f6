package adminhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/duty-duck/duty-duck-sub000/internal/obsmetrics"
)

type fakeChecker struct{ err error }

func (c fakeChecker) Healthy(ctx context.Context) error { return c.err }

func TestHealthz_NoCheckerReturnsOK(t *testing.T) {
	s := New(obsmetrics.New(obsmetrics.DefaultConfig()), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz_FailingCheckerReturnsServiceUnavailable(t *testing.T) {
	s := New(obsmetrics.New(obsmetrics.DefaultConfig()), fakeChecker{err: assert.AnError})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics_ServesPrometheusText(t *testing.T) {
	m := obsmetrics.New(obsmetrics.DefaultConfig())
	m.RecordIncidentOpened("http_monitor")
	s := New(m, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dutyduck_incidents_opened_total")
}
