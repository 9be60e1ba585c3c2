// Package middleware provides Echo middleware for the admin API.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each admin request.
// Requests to the quiet paths (probes, scrapes) are logged at Debug.
func RequestLogger(logger *slog.Logger, quiet ...string) echo.MiddlewareFunc {
	logger = logger.With("component", "admin")
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			level := slog.LevelInfo
			if skip[req.URL.Path] {
				level = slog.LevelDebug
			}
			if err != nil {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "admin request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
