package interceptors

import (
	"log/slog"
	"time"

	"intercept-proxy-go/internal/intercept"
)

// AccessLog logs every finished exchange at debug level.
type AccessLog struct {
	logger *slog.Logger
}

// NewAccessLog returns an access log stage.
func NewAccessLog(logger *slog.Logger) *AccessLog {
	return &AccessLog{logger: logger.With("component", "access")}
}

// Name implements intercept.Stage.
func (*AccessLog) Name() string { return "access_log" }

// AfterResponseEnd implements intercept.ResponseEndStage.
func (a *AccessLog) AfterResponseEnd(ex *intercept.Exchange, err error) {
	attrs := []any{
		"pair", ex.Pair.ID(),
		"method", ex.Request.Method,
		"url", ex.Request.URL(),
		"bytes", ex.BodyBytes,
		"duration_ms", float64(time.Since(ex.Start).Microseconds()) / 1000,
		"tunnel", ex.Tunnel,
	}
	if ex.Head != nil {
		attrs = append(attrs, "status", ex.Head.StatusCode)
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	a.logger.Debug("exchange", attrs...)
}
