// Package adminhttp exposes the small internal-only HTTP surface the
// monitoring execution engine needs for operations: a liveness/readiness
// probe and a Prometheus scrape endpoint. The customer-facing admin REST API
// is out of scope for this subsystem; this server only ever binds to an
// internal port alongside the worker pools.
package adminhttp

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/duty-duck/duty-duck-sub000/internal/obsmetrics"
)

// HealthChecker reports whether a dependency the server relies on
// (typically the database pool) is currently reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server is the admin HTTP surface: echo.Echo wired with /healthz and
// /metrics, started and stopped alongside the worker pools in cmd/server.
type Server struct {
	echo    *echo.Echo
	metrics *obsmetrics.Exporter
	checker HealthChecker
}

func New(metrics *obsmetrics.Exporter, checker HealthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, metrics: metrics, checker: checker}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return s
}

func (s *Server) handleHealthz(c echo.Context) error {
	if s.checker != nil {
		if err := s.checker.Healthy(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start runs the admin server; it blocks until Shutdown is called or the
// listener fails for a reason other than a graceful close.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying http.Handler, for tests that exercise
// routes without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.echo
}
