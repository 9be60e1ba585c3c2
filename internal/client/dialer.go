// Package client opens and reuses connections to destination servers,
// directly or through a SOCKS5 or shadowsocks upstream.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"
	"github.com/Jigsaw-Code/outline-sdk/transport/tls"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/proxyerr"
)

// Dialer opens remote connections for the relay.
type Dialer struct {
	plain   transport.StreamDialer
	secure  transport.StreamDialer
	timeout time.Duration
	kind    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDialer builds the dialer described by cfg.Upstream. resolver is used
// for direct dialing and may be nil to use the system resolver. The
// metrics parameter is optional; pass nil to disable dial metrics.
func NewDialer(cfg config.UpstreamConfig, resolver *Resolver, logger *slog.Logger, m *metrics.Metrics) (*Dialer, error) {
	tcp := &transport.TCPDialer{Dialer: net.Dialer{KeepAlive: 30 * time.Second}}

	var base transport.StreamDialer
	switch cfg.Kind {
	case config.UpstreamSOCKS5:
		client, err := socks5.NewClient(&transport.StreamDialerEndpoint{Dialer: tcp, Address: cfg.Address})
		if err != nil {
			return nil, fmt.Errorf("socks5 upstream: %w", err)
		}
		if cfg.Username != "" {
			if err := client.SetCredentials([]byte(cfg.Username), []byte(cfg.Password)); err != nil {
				return nil, fmt.Errorf("socks5 upstream credentials: %w", err)
			}
		}
		base = client
	case config.UpstreamShadowsocks:
		key, err := shadowsocks.NewEncryptionKey(cfg.Cipher, cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("shadowsocks upstream key: %w", err)
		}
		sd, err := shadowsocks.NewStreamDialer(&transport.StreamDialerEndpoint{Dialer: tcp, Address: cfg.Address}, key)
		if err != nil {
			return nil, fmt.Errorf("shadowsocks upstream: %w", err)
		}
		base = sd
	default:
		if resolver != nil {
			base = &resolvingDialer{resolver: resolver, dialer: tcp}
		} else {
			base = tcp
		}
	}

	secure, err := tls.NewStreamDialer(base)
	if err != nil {
		return nil, fmt.Errorf("tls dialer: %w", err)
	}

	kind := cfg.Kind
	if kind == "" {
		kind = config.UpstreamDirect
	}
	return &Dialer{
		plain:   base,
		secure:  secure,
		timeout: cfg.DialTimeout(),
		kind:    kind,
		logger:  logger.With("component", "dialer"),
		metrics: m,
	}, nil
}

// Kind returns the configured upstream kind.
func (d *Dialer) Kind() string { return d.kind }

// Dial connects to addr (host:port), wrapping the stream in TLS when
// useTLS is set. Failures are tagged proxyerr.KindRemoteConnectFailure.
func (d *Dialer) Dial(ctx context.Context, addr string, useTLS bool) (*netconn.Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	sd := d.plain
	if useTLS {
		sd = d.secure
	}

	start := time.Now()
	conn, err := sd.DialStream(ctx, addr)
	elapsed := time.Since(start)
	if err != nil {
		d.observe("error", elapsed)
		d.logger.Debug("dial failed", "target", addr, "upstream", d.kind, "error", err)
		return nil, proxyerr.New(proxyerr.KindRemoteConnectFailure, "dial "+addr, err)
	}
	d.observe("ok", elapsed)
	return netconn.Wrap(conn, netconn.RoleRemote), nil
}

func (d *Dialer) observe(result string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.DialDuration.WithLabelValues(result).Observe(elapsed.Seconds())
	}
}

// resolvingDialer resolves names with the configured DNS server and dials
// the returned addresses in order.
type resolvingDialer struct {
	resolver *Resolver
	dialer   transport.StreamDialer
}

func (r *resolvingDialer) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := r.resolver.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialStream(ctx, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
