// Package policy decides what happens when a connection pair fails.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/proxyerr"
	"intercept-proxy-go/internal/wire"
)

// Policy is the terminal handler for pair failures. Implementations must
// not panic and must tolerate a nil remote.
type Policy interface {
	OnException(client, remote *netconn.Conn, cause error)
}

// Func adapts a function to Policy.
type Func func(client, remote *netconn.Conn, cause error)

func (f Func) OnException(client, remote *netconn.Conn, cause error) { f(client, remote, cause) }

const writeTimeout = 5 * time.Second

// Default logs the failure by kind and, when the client is still open and
// has not seen any byte of the current response, answers with a short
// synthesized error response.
type Default struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDefault returns the default policy. m may be nil.
func NewDefault(logger *slog.Logger, m *metrics.Metrics) *Default {
	return &Default{logger: logger.With("component", "policy"), metrics: m}
}

// OnException implements Policy.
func (d *Default) OnException(client, remote *netconn.Conn, cause error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("exception policy panicked", "panic", fmt.Sprint(r))
		}
	}()

	kind := proxyerr.KindOf(cause)
	if d.metrics != nil {
		d.metrics.ExceptionsTotal.WithLabelValues(kind.String()).Inc()
	}

	attrs := []any{"kind", kind.String(), "error", cause}
	if client != nil {
		attrs = append(attrs, "client", client.String())
	}
	if remote != nil {
		attrs = append(attrs, "remote", remote.String())
	}
	d.logger.Log(context.Background(), level(kind), "pair failure", attrs...)

	if client == nil || !client.IsOpen() || client.ResponseStarted() {
		return
	}
	status, ok := Status(kind)
	if !ok {
		return
	}
	_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteStatus(client, status, "", Message(kind), false); err != nil {
		d.logger.Debug("writing error response failed", "client", client.String(), "error", err)
	}
}

func level(kind proxyerr.Kind) slog.Level {
	switch kind {
	case proxyerr.KindPeerReset, proxyerr.KindUnknownConnection:
		return slog.LevelDebug
	case proxyerr.KindTimeout:
		return slog.LevelInfo
	case proxyerr.KindAlreadyPaired:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Status maps an error kind to the status of the synthesized response.
// It returns false for kinds that get no response.
func Status(kind proxyerr.Kind) (int, bool) {
	switch kind {
	case proxyerr.KindMalformedRequest:
		return http.StatusBadRequest, true
	case proxyerr.KindRemoteConnectFailure, proxyerr.KindPeerReset, proxyerr.KindUnknown:
		return http.StatusBadGateway, true
	case proxyerr.KindTimeout:
		return http.StatusGatewayTimeout, true
	case proxyerr.KindInterceptorFailure, proxyerr.KindAlreadyPaired:
		return http.StatusInternalServerError, true
	default:
		return 0, false
	}
}

// Message is the diagnostic body sent with the synthesized response.
func Message(kind proxyerr.Kind) string {
	switch kind {
	case proxyerr.KindMalformedRequest:
		return "proxy: malformed request"
	case proxyerr.KindRemoteConnectFailure:
		return "proxy: destination unreachable"
	case proxyerr.KindPeerReset:
		return "proxy: destination closed the connection"
	case proxyerr.KindTimeout:
		return "proxy: destination timed out"
	case proxyerr.KindInterceptorFailure:
		return "proxy: interceptor failed"
	default:
		return "proxy: internal error"
	}
}
