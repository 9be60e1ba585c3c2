package relay

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	upstream "intercept-proxy-go/internal/client"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/proxyerr"
	"intercept-proxy-go/internal/registry"
	"intercept-proxy-go/internal/wire"
)

const defaultDropBody = "proxy: request blocked"

// clientSide owns the client connection of one pair. It reads requests
// sequentially and runs each exchange to completion before the next.
type clientSide struct {
	s      *Server
	pair   *registry.Pair
	client *netconn.Conn
	br     *bufio.Reader
	reader *wire.Reader
	logger *slog.Logger

	// peekCh delivers the result of the watch started while a response
	// is in flight. Only the watch goroutine touches br until it reports.
	peekCh  chan error
	peekErr error

	// failed gates the exception policy to one call per pair.
	failed atomic.Bool
}

func newClientSide(s *Server, pair *registry.Pair) *clientSide {
	client := pair.Client()
	br := bufio.NewReaderSize(client, s.opts.BufferSize)
	return &clientSide{
		s:      s,
		pair:   pair,
		client: client,
		br:     br,
		reader: wire.NewReader(br, s.opts.MaxHeaderBytes),
		logger: s.logger.With("pair", pair.ID(), "client", client.String()),
	}
}

func (h *clientSide) run() {
	if h.s.ctx.Err() != nil {
		h.close(netconn.ReasonTeardown)
		return
	}
	for {
		if err := h.waitClient(); err != nil {
			h.close(reasonFor(err))
			return
		}
		_ = h.client.SetReadDeadline(time.Now().Add(h.s.opts.IdleTimeout))
		req, err := h.reader.ReadRequest()
		if err != nil {
			h.readFailed(err)
			return
		}
		_ = h.client.SetReadDeadline(time.Time{})
		if !h.exchange(req) {
			return
		}
	}
}

func (h *clientSide) readFailed(err error) {
	if proxyerr.KindOf(err) == proxyerr.KindMalformedRequest {
		h.client.BeginExchange()
		h.s.teardown(h, nil, nil, err)
		return
	}
	if !proxyerr.IsClosed(err) {
		h.logger.Debug("client read ended", "error", err)
	}
	h.close(reasonFor(err))
}

func (h *clientSide) close(reason netconn.CloseReason) {
	h.s.registry.Close(h.client, reason)
}

// watch starts watching the client for close while a response is relayed.
func (h *clientSide) watch() {
	if h.peekCh != nil {
		return
	}
	ch := make(chan error, 1)
	h.peekCh = ch
	go func() {
		_, err := h.br.Peek(1)
		ch <- err
	}()
}

// waitClient blocks until a running watch reports, so the caller owns br.
// The idle timeout bounds the wait.
func (h *clientSide) waitClient() error {
	if h.peekCh != nil {
		_ = h.client.SetReadDeadline(time.Now().Add(h.s.opts.IdleTimeout))
		h.peekErr = <-h.peekCh
		h.peekCh = nil
	}
	err := h.peekErr
	h.peekErr = nil
	return err
}

// await waits for the remote side to finish the response. A client that
// goes away first tears the pair down, which stops the remote side.
func (h *clientSide) await(done <-chan outcome) outcome {
	select {
	case out := <-done:
		return out
	case err := <-h.peekCh:
		h.peekCh = nil
		if err != nil {
			h.peekErr = err
			h.logger.Debug("client left mid-response", "error", err)
			h.close(reasonFor(err))
		}
		return <-done
	}
}

func (h *clientSide) exchange(req *model.Request) bool {
	h.client.BeginExchange()
	h.pair.SetTarget(req.Host)
	h.s.exchanges.Add(1)
	ex := &intercept.Exchange{
		Pair:    h.pair,
		Request: req,
		Start:   time.Now(),
		Logger:  h.logger,
	}

	if err := h.pair.Chain().BeforeRequest(ex, req); err != nil {
		var drop *intercept.DropError
		if errors.As(err, &drop) {
			return h.dropRequest(ex, drop)
		}
		h.s.teardown(h, ex, nil, err)
		h.end(ex, err)
		return false
	}
	if req.IsConnect() {
		h.connect(ex)
		return false
	}
	return h.forward(ex)
}

// dropRequest answers a dropped request locally. The remote is never
// contacted and the response is written exactly once.
func (h *clientSide) dropRequest(ex *intercept.Exchange, drop *intercept.DropError) bool {
	req := ex.Request
	h.s.countDrop(intercept.PhaseRequest)
	keep := req.KeepAlive() && !req.IsConnect()
	if req.Body != nil {
		if req.Header.HasToken("Expect", "100-continue") {
			keep = false
		} else if _, err := io.Copy(io.Discard, req.Body); err != nil {
			keep = false
		}
	}

	body := drop.Body
	if body == "" {
		body = defaultDropBody
	}
	ex.Head = wire.Status(drop.StatusCode(), drop.Reason, len(body), keep)
	_ = h.client.SetWriteDeadline(time.Now().Add(h.s.opts.WriteTimeout))
	err := wire.WriteStatus(h.client, drop.StatusCode(), drop.Reason, body, keep)
	h.end(ex, drop)
	if err != nil {
		h.close(reasonFor(err))
		return false
	}
	if !keep {
		h.close(netconn.ReasonNormal)
		return false
	}
	return true
}

func (h *clientSide) forward(ex *intercept.Exchange) bool {
	req := ex.Request
	useTLS := req.Scheme == "https"
	key := upstream.Key(req.Host, useTLS)

	for attempt := 0; ; attempt++ {
		if !h.client.IsOpen() {
			return false
		}
		remote, reused, err := h.acquire(key, req.Host, useTLS)
		if err != nil {
			h.s.teardown(h, ex, nil, err)
			h.end(ex, err)
			return false
		}
		if _, err := h.s.registry.Register(h.client, remote); err != nil {
			_ = remote.CloseWithReason(netconn.ReasonError)
			h.s.teardown(h, ex, nil, err)
			h.end(ex, err)
			return false
		}

		retryable := reused && attempt == 0 && req.Framing == model.FramingNone
		rs := newRemoteSide(h, remote)
		if err := rs.sendHead(req); err != nil {
			if retryable {
				h.discardStale(rs)
				continue
			}
			err = proxyerr.Classify("write request", err)
			h.s.teardown(h, ex, remote, err)
			h.end(ex, err)
			return false
		}

		done := make(chan outcome, 1)
		go func() { done <- rs.relayResponse(ex, retryable) }()

		var bodyErr error
		if req.Body != nil {
			bodyErr = h.sendBody(ex, rs)
		}
		h.watch()
		out := h.await(done)
		if bodyErr != nil {
			out.keepRemote = false
		}
		if out.stale && h.client.IsOpen() {
			h.discardStale(rs)
			continue
		}
		return h.finish(ex, key, rs, out)
	}
}

func (h *clientSide) acquire(key, addr string, useTLS bool) (*netconn.Conn, bool, error) {
	if h.s.pool != nil {
		if c := h.s.pool.Get(key); c != nil {
			c.OnClose(h.s.observeClose)
			return c, true, nil
		}
	}
	c, err := h.s.dialer.Dial(h.s.ctx, addr, useTLS)
	if err != nil {
		return nil, false, err
	}
	c.OnClose(h.s.observeClose)
	return c, false, nil
}

// discardStale drops a reused remote that closed before answering.
func (h *clientSide) discardStale(rs *remoteSide) {
	h.logger.Debug("reused remote went stale, redialing", "remote", rs.remote.String())
	h.s.registry.Release(rs.remote)
	_ = rs.remote.CloseWithReason(netconn.ReasonIdle)
}

// sendBody copies the request body while the remote side reads the
// response, so interim responses reach the client.
func (h *clientSide) sendBody(ex *intercept.Exchange, rs *remoteSide) error {
	err := rs.sendBody(ex.Request)
	if err == nil {
		return nil
	}
	var rwe *remoteWriteError
	switch {
	case errors.As(err, &rwe):
		// The remote side observes the broken connection on its next read.
		_ = rs.remote.CloseWithReason(reasonFor(rwe.err))
	case proxyerr.KindOf(err) == proxyerr.KindMalformedRequest:
		h.s.teardown(h, ex, rs.remote, err)
	default:
		h.logger.Debug("client left while sending body", "error", err)
		h.close(reasonFor(err))
	}
	return err
}

// finish settles both connections after an exchange and reports whether
// the client connection carries on.
func (h *clientSide) finish(ex *intercept.Exchange, key string, rs *remoteSide, out outcome) bool {
	if out.upgraded {
		h.tunnel(ex, rs)
		return false
	}
	h.end(ex, out.err)
	if out.torndown {
		return false
	}

	remote := rs.remote
	h.s.registry.Release(remote)
	if out.keepRemote && h.client.IsOpen() && h.s.pool != nil {
		h.s.pool.Put(key, remote)
	} else {
		_ = remote.CloseWithReason(netconn.ReasonNormal)
	}

	if !out.keepClient || !h.client.IsOpen() {
		h.close(netconn.ReasonNormal)
		return false
	}
	return true
}

// end reports the finished exchange to the chain and the metrics.
func (h *clientSide) end(ex *intercept.Exchange, err error) {
	if ex == nil {
		return
	}
	h.pair.Chain().AfterResponseEnd(ex, err)
	if h.s.metrics != nil {
		status := 0
		if ex.Head != nil {
			status = ex.Head.StatusCode
		}
		h.s.metrics.ObserveExchange(ex.Request.Method, status, time.Since(ex.Start))
	}
}

func (h *clientSide) connect(ex *intercept.Exchange) {
	req := ex.Request
	remote, err := h.s.dialer.Dial(h.s.ctx, req.Host, false)
	if err != nil {
		h.s.teardown(h, ex, nil, err)
		h.end(ex, err)
		return
	}
	remote.OnClose(h.s.observeClose)
	if _, err := h.s.registry.Register(h.client, remote); err != nil {
		_ = remote.CloseWithReason(netconn.ReasonError)
		h.s.teardown(h, ex, nil, err)
		h.end(ex, err)
		return
	}

	ex.Head = &model.ResponseHead{
		Proto:      "HTTP/1.1",
		StatusCode: http.StatusOK,
		Reason:     "Connection Established",
	}
	_ = h.client.SetWriteDeadline(time.Now().Add(h.s.opts.WriteTimeout))
	if err := wire.WriteResponseHead(h.client, ex.Head); err != nil {
		err = proxyerr.Classify("write connect response", err)
		h.s.teardown(h, ex, remote, err)
		h.end(ex, err)
		return
	}
	h.tunnel(ex, newRemoteSide(h, remote))
}
