// Package netconn wraps the client and remote sockets of a pair with the
// bookkeeping the relay needs: identity, open state, close reason and
// whether the current response has started reaching the peer.
package netconn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Role tells which side of a pair a connection sits on.
type Role int

const (
	RoleClient Role = iota
	RoleRemote
)

func (r Role) String() string {
	if r == RoleRemote {
		return "remote"
	}
	return "client"
}

// CloseReason records why a connection was closed.
type CloseReason int32

const (
	ReasonNone CloseReason = iota
	// ReasonNormal: orderly close after a completed exchange or EOF.
	ReasonNormal
	// ReasonPeerReset: the peer reset or hung up.
	ReasonPeerReset
	// ReasonError: a relay or interceptor error ended the pair.
	ReasonError
	// ReasonTeardown: closed because the other side of the pair went away.
	ReasonTeardown
	// ReasonIdle: idle timeout or pool eviction.
	ReasonIdle
)

var reasonNames = [...]string{"none", "normal", "peer_reset", "error", "teardown", "idle"}

func (r CloseReason) String() string {
	if int(r) >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

var nextID atomic.Uint64

// Conn is a net.Conn with pair bookkeeping. Writes are serialized so the
// relay and the exception policy can both write to a client safely.
type Conn struct {
	net.Conn

	id   uint64
	role Role

	closed    atomic.Bool
	reason    atomic.Int32
	started   atomic.Bool
	written   atomic.Int64
	read      atomic.Int64
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	onClose   atomic.Pointer[func(*Conn)]
}

// Wrap returns a tracked connection around c.
func Wrap(c net.Conn, role Role) *Conn {
	return &Conn{Conn: c, id: nextID.Add(1), role: role}
}

// OnClose sets a function called once after the connection is closed.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.onClose.Store(&fn)
}

// ID is unique for the life of the process.
func (c *Conn) ID() uint64 { return c.id }

// Role returns the side of the pair this connection sits on.
func (c *Conn) Role() Role { return c.role }

func (c *Conn) String() string {
	return fmt.Sprintf("%s#%d(%s)", c.role, c.id, c.RemoteAddr())
}

// IsOpen reports whether Close has not been called yet.
func (c *Conn) IsOpen() bool { return !c.closed.Load() }

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(p) > 0 {
		c.started.Store(true)
	}
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

// Close closes the connection with ReasonNormal unless a reason was
// already recorded.
func (c *Conn) Close() error {
	return c.CloseWithReason(ReasonNormal)
}

// CloseWithReason closes the connection once. The first reason recorded wins.
func (c *Conn) CloseWithReason(r CloseReason) error {
	c.closeOnce.Do(func() {
		c.reason.Store(int32(r))
		c.closed.Store(true)
		c.closeErr = c.Conn.Close()
		if fn := c.onClose.Load(); fn != nil {
			(*fn)(c)
		}
	})
	return c.closeErr
}

// Reason returns the recorded close reason, or ReasonNone while open.
func (c *Conn) Reason() CloseReason { return CloseReason(c.reason.Load()) }

// CloseWrite half-closes the write side when the underlying connection
// supports it, and falls back to a full close otherwise.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.CloseWithReason(ReasonNormal)
}

// CloseRead half-closes the read side when supported.
func (c *Conn) CloseRead() error {
	if hc, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return nil
}

// BeginExchange marks the start of a new request/response exchange.
func (c *Conn) BeginExchange() { c.started.Store(false) }

// ResponseStarted reports whether any byte was written since BeginExchange.
func (c *Conn) ResponseStarted() bool { return c.started.Load() }

// BytesWritten returns the total number of bytes written.
func (c *Conn) BytesWritten() int64 { return c.written.Load() }

// BytesRead returns the total number of bytes read.
func (c *Conn) BytesRead() int64 { return c.read.Load() }
