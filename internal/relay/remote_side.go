package relay

import (
	"bufio"
	"errors"
	"io"
	"time"

	"intercept-proxy-go/internal/bufpool"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/proxyerr"
	"intercept-proxy-go/internal/wire"
)

// errClientGone reports an event that arrived after its client closed or
// its remote was released. The event is discarded.
var errClientGone = errors.New("client connection gone")

// outcome is what the remote side reports once a response is settled.
type outcome struct {
	keepClient bool
	keepRemote bool
	upgraded   bool
	// stale is set when a reused remote closed before the first response byte.
	stale bool
	// torndown is set when the pair was already closed.
	torndown bool
	err      error
}

type eventKind int

const (
	evInterim eventKind = iota
	evHead
	evChunk
	evEnd
	evRaw
)

// event is one inbound unit from the remote connection.
type event struct {
	kind    eventKind
	head    *model.ResponseHead
	chunk   *bufpool.Buffer
	trailer model.Header
}

func (e event) release() {
	if e.chunk != nil {
		e.chunk.Release()
	}
}

// remoteSide handles inbound events from one remote connection of a pair.
type remoteSide struct {
	h        *clientSide
	remote   *netconn.Conn
	br       *bufio.Reader
	reader   *wire.Reader
	readBase int64
	// out is the framing the body is written to the client with.
	out model.Framing
}

func newRemoteSide(h *clientSide, remote *netconn.Conn) *remoteSide {
	br := bufio.NewReaderSize(remote, h.s.opts.BufferSize)
	return &remoteSide{
		h:        h,
		remote:   remote,
		br:       br,
		reader:   wire.NewReader(br, h.s.opts.MaxHeaderBytes),
		readBase: remote.BytesRead(),
	}
}

// handle processes one event. It first checks that the client is still
// open and the remote still belongs to a pair, then runs the chain hook
// for the event and writes the result to the client.
func (r *remoteSide) handle(ex *intercept.Exchange, ev event) error {
	if !r.h.client.IsOpen() {
		ev.release()
		return errClientGone
	}
	if _, err := r.h.s.registry.Lookup(r.remote); err != nil {
		ev.release()
		r.h.logger.Debug("event for released remote dropped", "remote", r.remote.String())
		return errClientGone
	}

	chain := r.h.pair.Chain()
	w := clientWriter{r: r}
	switch ev.kind {
	case evInterim:
		return wire.WriteResponseHead(w, ev.head)

	case evHead:
		if err := chain.AfterResponseHead(ex, ev.head); err != nil {
			return err
		}
		r.out = r.outputFraming(ex, ev.head)
		return wire.WriteResponseHead(w, ev.head)

	case evChunk:
		out, err := chain.AfterResponseChunk(ex, ev.chunk)
		if err != nil || out == nil {
			return err
		}
		defer out.Release()
		ex.BodyBytes += int64(out.Len())
		if r.out == model.FramingChunked {
			return wire.WriteChunk(w, out.Bytes())
		}
		_, err = w.Write(out.Bytes())
		return err

	case evEnd:
		if r.out == model.FramingChunked {
			return wire.WriteLastChunk(w, ev.trailer)
		}
		return nil

	case evRaw:
		defer ev.chunk.Release()
		ex.BodyBytes += int64(ev.chunk.Len())
		_, err := w.Write(ev.chunk.Bytes())
		return err
	}
	ev.release()
	return nil
}

// outputFraming decides how the body reaches the client. Chunk stages may
// change the body length, so a fixed-length body is re-framed. Clients
// older than HTTP/1.1 never see chunked framing.
func (r *remoteSide) outputFraming(ex *intercept.Exchange, head *model.ResponseHead) model.Framing {
	legacy := ex.Request.Proto != "HTTP/1.1"
	switch {
	case head.Framing == model.FramingChunked && legacy:
	case head.Framing == model.FramingLength && r.h.pair.Chain().HasChunkStages():
	default:
		return head.Framing
	}
	head.Header.Del("Content-Length")
	if legacy {
		head.Header.Del("Transfer-Encoding")
		head.Header.Set("Connection", "close")
		head.Framing = model.FramingUntilClose
	} else {
		head.Header.Set("Transfer-Encoding", "chunked")
		head.Framing = model.FramingChunked
	}
	return head.Framing
}

func (r *remoteSide) sendHead(req *model.Request) error {
	return wire.WriteRequestHead(remoteWriter{r: r}, req)
}

func (r *remoteSide) sendBody(req *model.Request) error {
	buf := bufpool.GetCopy()
	defer bufpool.PutCopy(buf)
	return wire.WriteBody(remoteWriter{r: r}, req, *buf)
}

// relayResponse reads one response from the remote and relays it event
// by event. It runs on its own goroutine while the client side sends the
// request body and watches the client.
func (r *remoteSide) relayResponse(ex *intercept.Exchange, retryable bool) outcome {
	req := ex.Request
	opts := r.h.s.opts

	var head *model.ResponseHead
	for {
		_ = r.remote.SetReadDeadline(time.Now().Add(opts.HeaderTimeout))
		var err error
		head, err = r.reader.ReadResponseHead(req.Method)
		if err != nil {
			if retryable && r.isStale(err) {
				return outcome{stale: true}
			}
			return r.fail(ex, proxyerr.Classify("read response head", err))
		}
		if !head.Interim() {
			break
		}
		if err := r.handle(ex, event{kind: evInterim, head: head}); err != nil {
			return r.fail(ex, err)
		}
	}

	ex.Head = head
	inFraming, inLength := head.Framing, head.ContentLength
	remoteKeep := head.KeepAlive() && req.KeepAlive() && !head.Upgraded()

	err := r.handle(ex, event{kind: evHead, head: head})
	if errors.Is(err, intercept.ErrDrop) {
		return r.dropResponse(ex, err, inFraming, inLength, remoteKeep)
	}
	if err != nil {
		return r.fail(ex, err)
	}
	if head.Upgraded() {
		return outcome{upgraded: true}
	}

	body := wire.NewBody(r.br, inFraming, inLength)
	for {
		_ = r.remote.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		chunk, err := body.Next(opts.BufferSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fail(ex, proxyerr.Classify("read response body", err))
		}
		if err := r.handle(ex, event{kind: evChunk, chunk: chunk}); err != nil {
			return r.fail(ex, err)
		}
	}
	if err := r.handle(ex, event{kind: evEnd, trailer: body.Trailer()}); err != nil {
		return r.fail(ex, err)
	}
	_ = r.remote.SetReadDeadline(time.Time{})

	return outcome{
		keepClient: req.KeepAlive() && head.KeepAlive(),
		keepRemote: remoteKeep && body.Done() && r.br.Buffered() == 0,
	}
}

// dropResponse discards the rest of a response dropped at its head. The
// client gets nothing further and is closed normally.
func (r *remoteSide) dropResponse(ex *intercept.Exchange, err error, framing model.Framing, length int64, remoteKeep bool) outcome {
	r.h.s.countDrop(intercept.PhaseHead)
	r.h.logger.Debug("response dropped", "url", ex.Request.URL(), "status", ex.Head.StatusCode)
	drained := false
	if framing != model.FramingUntilClose {
		_ = r.remote.SetReadDeadline(time.Now().Add(r.h.s.opts.IdleTimeout))
		drained = wire.NewBody(r.br, framing, length).Drain() == nil
		_ = r.remote.SetReadDeadline(time.Time{})
	}
	return outcome{
		keepRemote: remoteKeep && drained && r.br.Buffered() == 0,
		err:        err,
	}
}

func (r *remoteSide) isStale(err error) bool {
	if r.remote.BytesRead() != r.readBase || r.h.client.ResponseStarted() {
		return false
	}
	return proxyerr.IsClosed(err) || proxyerr.IsPeerReset(err)
}

// fail tears the pair down after an error on the remote side. Failures
// that follow the client going away are discarded without the policy.
func (r *remoteSide) fail(ex *intercept.Exchange, err error) outcome {
	if errors.Is(err, errClientGone) || !r.h.client.IsOpen() {
		_ = r.remote.CloseWithReason(netconn.ReasonTeardown)
		return outcome{torndown: true, err: errClientGone}
	}
	var cwe *clientWriteError
	if errors.As(err, &cwe) {
		err = proxyerr.Classify("write client", cwe.err)
	}
	r.h.s.teardown(r.h, ex, r.remote, err)
	return outcome{torndown: true, err: err}
}

// forwardRaw copies opaque remote bytes to the client until the remote
// finishes, then half-closes the client.
func (r *remoteSide) forwardRaw(ex *intercept.Exchange) error {
	size := r.h.s.opts.BufferSize
	for {
		buf := bufpool.Get()
		n, err := buf.Fill(r.br, size)
		if n > 0 {
			if herr := r.handle(ex, event{kind: evRaw, chunk: buf}); herr != nil {
				return herr
			}
		} else {
			buf.Release()
		}
		if errors.Is(err, io.EOF) {
			_ = r.h.client.CloseWrite()
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// remoteWriteError marks a failure writing to the remote while the
// source is the client.
type remoteWriteError struct{ err error }

func (e *remoteWriteError) Error() string { return "write remote: " + e.err.Error() }
func (e *remoteWriteError) Unwrap() error { return e.err }

type remoteWriter struct{ r *remoteSide }

func (w remoteWriter) Write(p []byte) (int, error) {
	_ = w.r.remote.SetWriteDeadline(time.Now().Add(w.r.h.s.opts.WriteTimeout))
	n, err := w.r.remote.Write(p)
	w.r.h.s.countBytes("upstream", int64(n))
	if err != nil {
		return n, &remoteWriteError{err: err}
	}
	return n, nil
}

type clientWriteError struct{ err error }

func (e *clientWriteError) Error() string { return "write client: " + e.err.Error() }
func (e *clientWriteError) Unwrap() error { return e.err }

type clientWriter struct{ r *remoteSide }

func (w clientWriter) Write(p []byte) (int, error) {
	client := w.r.h.client
	_ = client.SetWriteDeadline(time.Now().Add(w.r.h.s.opts.WriteTimeout))
	n, err := client.Write(p)
	w.r.h.s.countBytes("downstream", int64(n))
	if err != nil {
		return n, &clientWriteError{err: err}
	}
	return n, nil
}
