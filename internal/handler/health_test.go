package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/relay"
)

type fakeStats relay.Stats

func (f fakeStats) Stats() relay.Stats { return relay.Stats(f) }

type fakeIdle int

func (f fakeIdle) Len() int { return int(f) }

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) Count(context.Context) (int64, error) { return f.n, f.err }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		relay      StatsSource
		wantCode   int
		wantStatus string
	}{
		{"listening", fakeStats{Listening: "127.0.0.1:8080"}, http.StatusOK, "ok"},
		{"not bound", fakeStats{}, http.StatusServiceUnavailable, "starting"},
		{"no relay", nil, http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := NewHealthHandler(&config.Config{}, "test", tt.relay, nil, nil)
			if err := h.Healthz(c); err != nil {
				t.Fatalf("Healthz() error = %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %q, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{Kind: config.UpstreamSOCKS5, Address: "10.0.0.1:1080"},
	}
	stats := fakeStats{Listening: "127.0.0.1:8080", ActivePairs: 3, Exchanges: 42, Interceptors: []string{"hop_by_hop"}}
	h := NewHealthHandler(cfg, "1.2.3", stats, fakeIdle(2), fakeCounter{n: 7})
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.Upstream != "socks5://10.0.0.1:1080" {
		t.Errorf("body.upstream = %q, want %q", body.Upstream, "socks5://10.0.0.1:1080")
	}
	if body.Relay == nil || body.Relay.ActivePairs != 3 || body.Relay.Exchanges != 42 {
		t.Errorf("body.relay = %+v, want 3 pairs and 42 exchanges", body.Relay)
	}
	if body.PoolIdle != 2 {
		t.Errorf("body.pool_idle = %d, want 2", body.PoolIdle)
	}
	if !body.Journal.Enabled || body.Journal.Records != 7 {
		t.Errorf("body.journal = %+v, want enabled with 7 records", body.Journal)
	}
}

func TestStatus_JournalError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody), rec)

	h := NewHealthHandler(&config.Config{}, "dev", nil, nil, fakeCounter{err: errors.New("disk I/O error")})
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Upstream != "direct" {
		t.Errorf("body.upstream = %q, want %q", body.Upstream, "direct")
	}
	if body.Journal.Error == "" {
		t.Error("body.journal.error is empty, want a message")
	}
}
