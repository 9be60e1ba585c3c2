package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/metrics"
)

// Routes groups the admin handlers. Journal is nil when the journal is
// disabled.
type Routes struct {
	Health  *HealthHandler
	Pairs   *PairsHandler
	Journal *JournalHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, r Routes, m *metrics.Metrics) {
	e.GET("/healthz", r.Health.Healthz)
	e.GET("/proxy/status", r.Health.Status)
	e.GET("/proxy/pairs", r.Pairs.List)

	if r.Journal != nil {
		e.GET("/proxy/journal", r.Journal.List)
		e.GET("/proxy/journal/:id", r.Journal.Get)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
			Registry:      m.Registry,
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}
}
