package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus
// metrics for each admin request. Requests for the skipped paths are not
// counted, so scraping the metrics endpoint does not feed itself.
func MetricsMiddleware(m *metrics.Metrics, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, p := range skip {
				if c.Request().URL.Path == p {
					return next(c)
				}
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()
			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written by the central error handler
			// after the middleware returns.
			statusCode := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				statusCode = he.Code
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
