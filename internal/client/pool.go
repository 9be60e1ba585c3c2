package client

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/metrics"
	"intercept-proxy-go/internal/netconn"
)

// Pool keeps idle keep-alive remote connections per destination so later
// requests of any pair can reuse them.
type Pool struct {
	maxPerHost  int
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu     sync.Mutex
	idle   map[string][]idleConn
	count  int
	closed bool

	cron *cron.Cron
}

type idleConn struct {
	conn  *netconn.Conn
	since time.Time
}

// NewPool returns a pool configured by cfg. A negative MaxIdlePerHost
// disables pooling. The metrics parameter is optional.
func NewPool(cfg config.PoolConfig, logger *slog.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		maxPerHost:  cfg.MaxIdlePerHost,
		idleTimeout: cfg.IdleTimeout(),
		logger:      logger.With("component", "pool"),
		metrics:     m,
		now:         time.Now,
		idle:        make(map[string][]idleConn),
	}
}

// Key builds the pool key for a destination.
func Key(addr string, useTLS bool) string {
	if useTLS {
		return "tls|" + addr
	}
	return "tcp|" + addr
}

// Get returns an idle connection for key, or nil. Connections found
// expired or closed by the server are discarded.
func (p *Pool) Get(key string) *netconn.Conn {
	for {
		p.mu.Lock()
		list := p.idle[key]
		if len(list) == 0 {
			p.mu.Unlock()
			p.observe("miss")
			return nil
		}
		ic := list[len(list)-1]
		p.idle[key] = list[:len(list)-1]
		if len(p.idle[key]) == 0 {
			delete(p.idle, key)
		}
		p.count--
		p.gauge()
		p.mu.Unlock()

		if p.expired(ic) || !alive(ic.conn) {
			_ = ic.conn.CloseWithReason(netconn.ReasonIdle)
			continue
		}
		p.observe("hit")
		return ic.conn
	}
}

// Put offers an idle connection back to the pool. It reports whether the
// pool kept it; otherwise the connection has been closed.
func (p *Pool) Put(key string, c *netconn.Conn) bool {
	if !c.IsOpen() {
		return false
	}
	p.mu.Lock()
	if p.closed || p.maxPerHost < 0 || len(p.idle[key]) >= p.maxPerHost {
		p.mu.Unlock()
		_ = c.CloseWithReason(netconn.ReasonIdle)
		return false
	}
	p.idle[key] = append(p.idle[key], idleConn{conn: c, since: p.now()})
	p.count++
	p.gauge()
	p.mu.Unlock()
	return true
}

// Sweep closes connections idle for longer than the idle timeout and
// returns how many were closed.
func (p *Pool) Sweep() int {
	var stale []*netconn.Conn
	p.mu.Lock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, ic := range list {
			if p.expired(ic) || !ic.conn.IsOpen() {
				stale = append(stale, ic.conn)
				continue
			}
			kept = append(kept, ic)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.count -= len(stale)
	p.gauge()
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.CloseWithReason(netconn.ReasonIdle)
	}
	if len(stale) > 0 {
		p.logger.Debug("idle sweep", "closed", len(stale))
	}
	return len(stale)
}

// StartSweeper runs Sweep on the given cron schedule until Close.
func (p *Pool) StartSweeper(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { p.Sweep() }); err != nil {
		return err
	}
	p.mu.Lock()
	p.cron = c
	p.mu.Unlock()
	c.Start()
	p.logger.Info("pool sweeper started", "schedule", spec)
	return nil
}

// Len returns the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Close stops the sweeper and closes every idle connection. Later Put
// calls close the offered connection.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	c := p.cron
	p.cron = nil
	idle := p.idle
	p.idle = make(map[string][]idleConn)
	p.count = 0
	p.gauge()
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, list := range idle {
		for _, ic := range list {
			_ = ic.conn.CloseWithReason(netconn.ReasonIdle)
		}
	}
}

func (p *Pool) expired(ic idleConn) bool {
	return p.idleTimeout > 0 && p.now().Sub(ic.since) > p.idleTimeout
}

func (p *Pool) observe(result string) {
	if p.metrics != nil {
		p.metrics.PoolReuseTotal.WithLabelValues(result).Inc()
	}
}

// gauge must be called with p.mu held.
func (p *Pool) gauge() {
	if p.metrics != nil {
		p.metrics.PoolIdle.Set(float64(p.count))
	}
}

// alive probes an idle plain TCP connection with an already expired read
// deadline. A timeout means nothing is pending; EOF or stray bytes mean the
// server is done with it. Wrapped streams (TLS, shadowsocks) are not probed
// and go stale only when the relay's retry notices.
func alive(c *netconn.Conn) bool {
	if !c.IsOpen() {
		return false
	}
	if _, ok := c.Conn.(*net.TCPConn); !ok {
		return true
	}
	var one [1]byte
	_ = c.SetReadDeadline(time.Now().Add(-time.Second))
	n, err := c.Conn.Read(one[:])
	_ = c.SetReadDeadline(time.Time{})
	return n == 0 && errors.Is(err, os.ErrDeadlineExceeded)
}
