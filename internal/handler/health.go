// Package handler serves the admin API.
package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/relay"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatsSource reports data-plane counters.
type StatsSource interface {
	Stats() relay.Stats
}

// IdleCounter reports the number of idle pooled remote connections.
type IdleCounter interface {
	Len() int
}

// RecordCounter reports the number of stored journal records.
type RecordCounter interface {
	Count(ctx context.Context) (int64, error)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	relay   StatsSource
	pool    IdleCounter
	journal RecordCounter
}

// NewHealthHandler creates a HealthHandler. pool and journal may be nil.
func NewHealthHandler(cfg *config.Config, v Version, relay StatsSource, pool IdleCounter, journal RecordCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, relay: relay, pool: pool, journal: journal}
}

// Healthz reports whether the proxy listener is up. Liveness probes get
// 503 until the listener is bound.
func (h *HealthHandler) Healthz(c echo.Context) error {
	if h.relay != nil && h.relay.Stats().Listening == "" {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "starting",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type journalStatus struct {
	Enabled bool   `json:"enabled"`
	Records int64  `json:"records"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Upstream string        `json:"upstream"`
	Relay    *relay.Stats  `json:"relay,omitempty"`
	PoolIdle int           `json:"pool_idle"`
	Journal  journalStatus `json:"journal"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Upstream: upstreamName(h.cfg.Upstream),
	}
	if h.relay != nil {
		st := h.relay.Stats()
		resp.Relay = &st
	}
	if h.pool != nil {
		resp.PoolIdle = h.pool.Len()
	}
	if h.journal != nil {
		resp.Journal.Enabled = true
		n, err := h.journal.Count(c.Request().Context())
		if err != nil {
			resp.Journal.Error = "journal unavailable"
		}
		resp.Journal.Records = n
	}
	return c.JSON(http.StatusOK, resp)
}

func upstreamName(u config.UpstreamConfig) string {
	if u.Kind == "" || u.Kind == config.UpstreamDirect {
		return config.UpstreamDirect
	}
	return u.Kind + "://" + u.Address
}
