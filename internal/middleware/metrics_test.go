package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/metrics"
)

// series returns the label sets of every sample of the named family.
func series(t *testing.T, m *metrics.Metrics, name string) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []map[string]string
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func serve(e *echo.Echo, method, path string) int {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec.Code
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.GET("/proxy/journal/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "not found")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.Any("/proxy/pairs", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", func(c echo.Context) error {
		return c.String(http.StatusOK, "")
	})

	serve(e, http.MethodGet, "/proxy/journal/abc")
	serve(e, http.MethodGet, "/proxy/journal/missing")
	serve(e, "XYZZY", "/proxy/pairs")
	serve(e, http.MethodGet, "/nonexistent")
	serve(e, http.MethodGet, "/metrics")

	want := []map[string]string{
		{"method": "GET", "status_code": "200", "path_prefix": "/proxy/journal"},
		{"method": "GET", "status_code": "404", "path_prefix": "/proxy/journal"},
		{"method": "other", "status_code": "200", "path_prefix": "/proxy/pairs"},
		{"method": "GET", "status_code": "404", "path_prefix": "other"},
	}
	got := series(t, m, "intercept_proxy_admin_requests_total")
	if len(got) != len(want) {
		t.Fatalf("series = %v, want %d entries (scrapes excluded)", got, len(want))
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			if g["method"] == w["method"] && g["status_code"] == w["status_code"] && g["path_prefix"] == w["path_prefix"] {
				found = true
			}
		}
		if !found {
			t.Errorf("missing series %v in %v", w, got)
		}
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if code := serve(e, http.MethodGet, "/healthz"); code != http.StatusOK {
		t.Fatalf("status = %d, want %d", code, http.StatusOK)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "intercept_proxy_admin_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected intercept_proxy_admin_request_duration_seconds with at least one sample")
}
