package relay

import (
	"errors"
	"fmt"
	"io"
	"time"

	"intercept-proxy-go/internal/bufpool"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/proxyerr"
)

// tunnel forwards opaque bytes in both directions after a CONNECT or a
// protocol upgrade. Each direction half-closes its destination when its
// source finishes, and the pair is closed once both are done.
func (h *clientSide) tunnel(ex *intercept.Exchange, rs *remoteSide) {
	s := h.s
	ex.Tunnel = true
	h.pair.SetTunnel()
	s.tunnels.Add(1)
	defer s.tunnels.Add(-1)
	if s.metrics != nil {
		s.metrics.TunnelsActive.Inc()
		defer s.metrics.TunnelsActive.Dec()
	}
	_ = rs.remote.SetReadDeadline(time.Time{})
	h.logger.Debug("tunnel open", "target", ex.Request.Host, "remote", rs.remote.String())

	done := make(chan error, 1)
	go func() {
		err := rs.forwardRaw(ex)
		if err != nil && !errors.Is(err, errClientGone) {
			s.teardown(h, ex, rs.remote, tunnelErr(err))
		}
		done <- err
	}()

	upErr := h.pump(rs.remote)
	if upErr == nil {
		_ = rs.remote.CloseWrite()
	} else if h.client.IsOpen() {
		s.teardown(h, ex, rs.remote, tunnelErr(upErr))
	}
	downErr := <-done

	err := upErr
	if err == nil && !errors.Is(downErr, errClientGone) {
		err = downErr
	}
	h.end(ex, err)
	h.close(netconn.ReasonNormal)
	_ = rs.remote.CloseWithReason(netconn.ReasonNormal)
	h.logger.Debug("tunnel closed", "target", ex.Request.Host,
		"bytes_up", rs.remote.BytesWritten(), "bytes_down", ex.BodyBytes)
}

// pump copies client bytes to dst until the client finishes sending. It
// returns nil on a clean end of stream.
func (h *clientSide) pump(dst *netconn.Conn) error {
	if h.peekCh != nil {
		h.peekErr = <-h.peekCh
		h.peekCh = nil
	}
	if err := h.peekErr; err != nil {
		h.peekErr = nil
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	_ = h.client.SetReadDeadline(time.Time{})

	buf := bufpool.GetCopy()
	defer bufpool.PutCopy(buf)
	for {
		n, err := h.br.Read(*buf)
		if n > 0 {
			_ = dst.SetWriteDeadline(time.Now().Add(h.s.opts.WriteTimeout))
			if _, werr := dst.Write((*buf)[:n]); werr != nil {
				return &remoteWriteError{err: werr}
			}
			h.s.countBytes("upstream", int64(n))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func tunnelErr(err error) error {
	var cwe *clientWriteError
	if errors.As(err, &cwe) {
		return proxyerr.Classify("tunnel write client", cwe.err)
	}
	var rwe *remoteWriteError
	if errors.As(err, &rwe) {
		return proxyerr.Classify("tunnel write remote", rwe.err)
	}
	return proxyerr.Classify("tunnel", err)
}

// teardown ends a pair after a failure. The remote is closed first so no
// further events arrive, the policy sees the client while it is still
// open, and the registry entry is removed last.
func (s *Server) teardown(h *clientSide, ex *intercept.Exchange, remote *netconn.Conn, cause error) {
	reason := causeReason(cause)
	if remote != nil {
		_ = remote.CloseWithReason(reason)
	}
	if h.failed.CompareAndSwap(false, true) && h.client.IsOpen() {
		s.notifyPolicy(h, remote, cause)
		if ex != nil {
			h.pair.Chain().OnException(ex, cause)
		}
	}
	s.registry.Close(h.client, reason)
}

// notifyPolicy runs the failure policy. A panicking policy is logged and
// the pair is still closed.
func (s *Server) notifyPolicy(h *clientSide, remote *netconn.Conn, cause error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("failure policy panicked", "panic", fmt.Sprint(r), "cause", cause)
		}
	}()
	s.policy.OnException(h.client, remote, cause)
}

func causeReason(err error) netconn.CloseReason {
	switch proxyerr.KindOf(err) {
	case proxyerr.KindPeerReset:
		return netconn.ReasonPeerReset
	case proxyerr.KindTimeout:
		return netconn.ReasonIdle
	}
	if proxyerr.IsClosed(err) {
		return netconn.ReasonNormal
	}
	return netconn.ReasonError
}
