// Package relay accepts client connections, pairs each with a remote
// connection, and relays HTTP/1.1 exchanges and tunnels through the
// interceptor chain.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/policy"
	"intercept-proxy-go/internal/proxyerr"
	"intercept-proxy-go/internal/registry"
	"intercept-proxy-go/internal/wire"
)

// Dialer opens remote connections.
type Dialer interface {
	Dial(ctx context.Context, addr string, useTLS bool) (*netconn.Conn, error)
}

// Pool keeps idle remote connections for reuse.
type Pool interface {
	Get(key string) *netconn.Conn
	Put(key string, c *netconn.Conn) bool
}

// Options are the data-plane limits and timeouts.
type Options struct {
	MaxConnections int
	AcceptRate     float64
	AcceptBurst    int
	IdleTimeout    time.Duration
	HeaderTimeout  time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int
	BufferSize     int
}

// OptionsFrom converts the proxy config section into Options.
func OptionsFrom(cfg config.ProxyConfig) Options {
	return Options{
		MaxConnections: cfg.MaxConnections,
		AcceptRate:     cfg.AcceptRate,
		AcceptBurst:    cfg.AcceptBurst,
		IdleTimeout:    cfg.IdleTimeout(),
		HeaderTimeout:  cfg.HeaderTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		BufferSize:     cfg.BufferSize,
	}
}

func (o *Options) setDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 120 * time.Second
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 60 * time.Second
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = wire.DefaultMaxHeaderBytes
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 32 << 10
	}
}

// Params collects the collaborators of a Server.
type Params struct {
	Addr     string
	Options  Options
	Dialer   Dialer
	Pool     Pool // optional
	Chain    *intercept.Chain
	Policy   policy.Policy
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics // optional
}

// Stats is a point-in-time view of the data plane.
type Stats struct {
	Listening        string   `json:"listening"`
	ActivePairs      int      `json:"active_pairs"`
	ActiveTunnels    int64    `json:"active_tunnels"`
	TotalConnections uint64   `json:"total_connections"`
	Rejected         uint64   `json:"rejected_connections"`
	Exchanges        uint64   `json:"exchanges"`
	Drops            uint64   `json:"drops"`
	Interceptors     []string `json:"interceptors"`
}

// Server is the proxy listener.
type Server struct {
	addr     string
	opts     Options
	dialer   Dialer
	pool     Pool
	chain    *intercept.Chain
	policy   policy.Policy
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	slots    chan struct{}

	mu     sync.Mutex
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	total     atomic.Uint64
	rejected  atomic.Uint64
	exchanges atomic.Uint64
	drops     atomic.Uint64
	tunnels   atomic.Int64
}

// New creates a server. It does not listen until Start.
func New(p Params) *Server {
	p.Options.setDefaults()
	if p.Policy == nil {
		p.Policy = policy.NewDefault(p.Logger, p.Metrics)
	}
	if p.Registry == nil {
		p.Registry = registry.New()
	}
	s := &Server{
		addr:     p.Addr,
		opts:     p.Options,
		dialer:   p.Dialer,
		pool:     p.Pool,
		chain:    p.Chain,
		policy:   p.Policy,
		registry: p.Registry,
		logger:   p.Logger.With("component", "relay"),
		metrics:  p.Metrics,
	}
	if p.Options.AcceptRate > 0 {
		burst := p.Options.AcceptBurst
		if burst <= 0 {
			burst = int(p.Options.AcceptRate) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(p.Options.AcceptRate), burst)
	}
	if p.Options.MaxConnections > 0 {
		s.slots = make(chan struct{}, p.Options.MaxConnections)
	}
	return s
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("relay already started")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("proxy listening", "addr", ln.Addr().String(), "interceptors", s.chain.Names())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener, tears down every pair, and waits for the
// connection goroutines to exit or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	cancel := s.cancel
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	_ = ln.Close()
	cancel()
	n := s.registry.CloseAll(netconn.ReasonTeardown)
	s.logger.Info("proxy stopping", "pairs_closed", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	st := Stats{
		ActivePairs:      s.registry.Len(),
		ActiveTunnels:    s.tunnels.Load(),
		TotalConnections: s.total.Load(),
		Rejected:         s.rejected.Load(),
		Exchanges:        s.exchanges.Load(),
		Drops:            s.drops.Load(),
		Interceptors:     s.chain.Names(),
	}
	if addr := s.Addr(); addr != nil {
		st.Listening = addr.String()
	}
	return st
}

// Registry returns the pair registry used by the server.
func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return
		}
		backoff = 0
		s.total.Add(1)

		if s.limiter != nil && !s.limiter.Allow() {
			s.reject(conn, "rate_limited")
			continue
		}
		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				s.reject(conn, "max_connections")
				continue
			}
		}
		s.countConn("accepted")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.slots != nil {
				defer func() { <-s.slots }()
			}
			s.serve(conn)
		}()
	}
}

func (s *Server) reject(conn net.Conn, result string) {
	s.rejected.Add(1)
	s.countConn(result)
	s.logger.Debug("connection rejected", "remote_addr", conn.RemoteAddr().String(), "result", result)
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wire.WriteStatus(conn, http.StatusServiceUnavailable, "", "proxy: too many connections", false)
	_ = conn.Close()
}

func (s *Server) serve(raw net.Conn) {
	client := netconn.Wrap(raw, netconn.RoleClient)
	client.OnClose(s.observeClose)
	pair := s.registry.Open(client, s.chain)
	if s.metrics != nil {
		s.metrics.PairsActive.Inc()
		defer s.metrics.PairsActive.Dec()
	}
	h := newClientSide(s, pair)
	h.run()
}

func (s *Server) countConn(result string) {
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.WithLabelValues(result).Inc()
	}
}

func (s *Server) observeClose(c *netconn.Conn) {
	if s.metrics != nil {
		s.metrics.ClosesTotal.WithLabelValues(c.Role().String(), c.Reason().String()).Inc()
	}
}

func (s *Server) countDrop(phase intercept.Phase) {
	s.drops.Add(1)
	if s.metrics != nil {
		s.metrics.DropsTotal.WithLabelValues(string(phase)).Inc()
	}
}

func (s *Server) countBytes(direction string, n int64) {
	if s.metrics != nil && n > 0 {
		s.metrics.BytesRelayed.WithLabelValues(direction).Add(float64(n))
	}
}

// reasonFor maps a read or write failure to the close reason it implies.
func reasonFor(err error) netconn.CloseReason {
	switch {
	case err == nil || proxyerr.IsClosed(err):
		return netconn.ReasonNormal
	case proxyerr.IsPeerReset(err):
		return netconn.ReasonPeerReset
	case proxyerr.IsTimeout(err):
		return netconn.ReasonIdle
	default:
		return netconn.ReasonError
	}
}
