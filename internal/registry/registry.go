// Package registry tracks which client connection owns each remote
// connection. It is the only state shared between the client and remote
// sides of the relay.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/proxyerr"
)

// State is the lifecycle state of a pair.
type State int

const (
	// StateIdle: client connected, no remote attached.
	StateIdle State = iota
	// StateActive: a remote is attached and HTTP exchanges are relayed.
	StateActive
	// StateTunnel: opaque byte forwarding after CONNECT or an upgrade.
	StateTunnel
	// StateClosed: torn down; the pair is no longer in the registry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTunnel:
		return "tunnel"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pair associates a client connection with at most one live remote.
type Pair struct {
	id      string
	client  *netconn.Conn
	chain   *intercept.Chain
	created time.Time

	mu        sync.Mutex
	remote    *netconn.Conn
	target    string
	state     State
	exchanges int

	attrs sync.Map
}

// ID returns the pair's unique identifier.
func (p *Pair) ID() string { return p.id }

// Client returns the client connection.
func (p *Pair) Client() *netconn.Conn { return p.client }

// Chain returns the interceptor chain installed on the pair.
func (p *Pair) Chain() *intercept.Chain { return p.chain }

// Remote returns the live remote connection, or nil.
func (p *Pair) Remote() *netconn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// State returns the current lifecycle state.
func (p *Pair) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetTunnel moves an active pair into tunnel mode.
func (p *Pair) SetTunnel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateActive {
		p.state = StateTunnel
	}
}

// SetTarget records the destination of the current exchange.
func (p *Pair) SetTarget(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
	p.exchanges++
}

// Load implements intercept.PairState.
func (p *Pair) Load(key any) (any, bool) { return p.attrs.Load(key) }

// Store implements intercept.PairState.
func (p *Pair) Store(key, value any) { p.attrs.Store(key, value) }

// Info is a point-in-time view of a pair for the admin API.
type Info struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Remote    string    `json:"remote,omitempty"`
	Target    string    `json:"target,omitempty"`
	State     string    `json:"state"`
	Exchanges int       `json:"exchanges"`
	Created   time.Time `json:"created"`
}

func (p *Pair) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := Info{
		ID:        p.id,
		Client:    p.client.RemoteAddr().String(),
		Target:    p.target,
		State:     p.state.String(),
		Exchanges: p.exchanges,
		Created:   p.created,
	}
	if p.remote != nil {
		in.Remote = p.remote.RemoteAddr().String()
	}
	return in
}

// Registry maps connections to pairs. Every method is safe for concurrent
// use, and each mutation is atomic with respect to Lookup.
type Registry struct {
	mu      sync.RWMutex
	clients map[uint64]*Pair
	remotes map[uint64]*Pair
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[uint64]*Pair),
		remotes: make(map[uint64]*Pair),
	}
}

// Open creates the pair for client, or returns the existing one.
func (r *Registry) Open(client *netconn.Conn, chain *intercept.Chain) *Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.clients[client.ID()]; ok {
		return p
	}
	p := &Pair{
		id:      uuid.NewString(),
		client:  client,
		chain:   chain,
		created: time.Now(),
	}
	r.clients[client.ID()] = p
	return p
}

// Register attaches remote to client's pair. It fails with
// ErrAlreadyPaired when a different remote is still registered, and with
// ErrUnknownConnection when the client has no open pair.
func (r *Registry) Register(client, remote *netconn.Conn) (*Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.clients[client.ID()]
	if !ok {
		return nil, proxyerr.New(proxyerr.KindUnknownConnection, "register", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		if p.remote == remote {
			return p, nil
		}
		return nil, proxyerr.New(proxyerr.KindAlreadyPaired, "register", nil)
	}
	if owner, ok := r.remotes[remote.ID()]; ok && owner != p {
		return nil, proxyerr.New(proxyerr.KindAlreadyPaired, "register", nil)
	}
	p.remote = remote
	p.state = StateActive
	r.remotes[remote.ID()] = p
	return p, nil
}

// Lookup returns the pair owning remote. It fails with
// ErrUnknownConnection if remote was never registered or was released.
func (r *Registry) Lookup(remote *netconn.Conn) (*Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.remotes[remote.ID()]
	if !ok {
		return nil, proxyerr.New(proxyerr.KindUnknownConnection, "lookup", nil)
	}
	return p, nil
}

// Release detaches remote from its pair. Releasing an unknown or already
// released remote is a no-op.
func (r *Registry) Release(remote *netconn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.remotes[remote.ID()]
	if !ok {
		return
	}
	delete(r.remotes, remote.ID())
	p.mu.Lock()
	if p.remote == remote {
		p.remote = nil
		if p.state != StateClosed {
			p.state = StateIdle
		}
	}
	p.mu.Unlock()
}

// Close tears down client's pair: the live remote is released and closed
// with netconn.ReasonTeardown, and the client is closed with reason. It
// returns the removed pair, or nil if client had none.
func (r *Registry) Close(client *netconn.Conn, reason netconn.CloseReason) *Pair {
	r.mu.Lock()
	p, ok := r.clients[client.ID()]
	if !ok {
		r.mu.Unlock()
		_ = client.CloseWithReason(reason)
		return nil
	}
	delete(r.clients, client.ID())
	p.mu.Lock()
	remote := p.remote
	p.remote = nil
	p.state = StateClosed
	p.mu.Unlock()
	if remote != nil {
		delete(r.remotes, remote.ID())
	}
	r.mu.Unlock()

	if remote != nil {
		_ = remote.CloseWithReason(netconn.ReasonTeardown)
	}
	_ = client.CloseWithReason(reason)
	return p
}

// CloseAll tears down every pair and returns how many were closed.
func (r *Registry) CloseAll(reason netconn.CloseReason) int {
	r.mu.RLock()
	clients := make([]*netconn.Conn, 0, len(r.clients))
	for _, p := range r.clients {
		clients = append(clients, p.client)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range clients {
		if r.Close(c, reason) != nil {
			n++
		}
	}
	return n
}

// Len returns the number of open pairs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns the open pairs, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	pairs := make([]*Pair, 0, len(r.clients))
	for _, p := range r.clients {
		pairs = append(pairs, p)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
