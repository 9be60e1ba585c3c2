package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoRecords is returned when the server has no A or AAAA answer.
var ErrNoRecords = errors.New("no address records")

// Resolver looks up host addresses against one DNS server and caches the
// answers for at most their TTL.
type Resolver struct {
	server string
	client *dns.Client
	maxTTL time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// NewResolver returns a resolver querying server (host:port) over UDP.
// maxTTL caps how long answers are cached; zero disables caching.
func NewResolver(server string, maxTTL time.Duration) *Resolver {
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
		maxTTL: maxTTL,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Lookup returns the addresses of host. IP literals are returned as is.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.Lock()
	entry, ok := r.cache[host]
	r.mu.Unlock()
	if ok && r.now().Before(entry.expires) {
		return entry.ips, nil
	}

	ips, ttl, err := r.query(ctx, host, dns.TypeA)
	if err == nil && len(ips) == 0 {
		ips, ttl, err = r.query(ctx, host, dns.TypeAAAA)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoRecords)
	}

	if ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	if ttl > 0 {
		r.mu.Lock()
		r.cache[host] = cacheEntry{ips: ips, expires: r.now().Add(ttl)}
		r.mu.Unlock()
	}
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("dns server answered %s", dns.RcodeToString[resp.Rcode])
	}

	var (
		ips []net.IP
		ttl time.Duration = -1
	)
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		ips = append(ips, ip)
		if t := time.Duration(rr.Header().Ttl) * time.Second; ttl < 0 || t < ttl {
			ttl = t
		}
	}
	return ips, ttl, nil
}
