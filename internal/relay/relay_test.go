package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercept-proxy-go/internal/bufpool"
	upstream "intercept-proxy-go/internal/client"
	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/journal"
	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/netconn"
	"intercept-proxy-go/internal/policy"
	"intercept-proxy-go/internal/proxyerr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testProxy struct {
	*Server
	addr string
}

type proxyOption func(*Params)

func withChain(stages ...intercept.Stage) proxyOption {
	return func(p *Params) { p.Chain = intercept.NewChain(stages...) }
}

func withPool(pool Pool) proxyOption {
	return func(p *Params) { p.Pool = pool }
}

func withPolicy(pol policy.Policy) proxyOption {
	return func(p *Params) { p.Policy = pol }
}

func withOptions(fn func(*Options)) proxyOption {
	return func(p *Params) { fn(&p.Options) }
}

func startProxy(t *testing.T, opts ...proxyOption) *testProxy {
	t.Helper()
	logger := discardLogger()
	d, err := upstream.NewDialer(config.UpstreamConfig{Kind: config.UpstreamDirect, DialTimeoutSeconds: 2}, nil, logger, nil)
	require.NoError(t, err)

	p := Params{
		Addr:    "127.0.0.1:0",
		Options: Options{IdleTimeout: 5 * time.Second, HeaderTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
		Dialer:  d,
		Logger:  logger,
	}
	for _, o := range opts {
		o(&p)
	}
	s := New(p)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &testProxy{Server: s, addr: s.Addr().String()}
}

func (p *testProxy) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	return c
}

// rawOrigin serves each accepted connection with handle and counts them.
type rawOrigin struct {
	ln    net.Listener
	conns atomic.Int32
}

func startRawOrigin(t *testing.T, handle func(c net.Conn, br *bufio.Reader)) *rawOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	o := &rawOrigin{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			o.conns.Add(1)
			go func() {
				defer c.Close()
				handle(c, bufio.NewReader(c))
			}()
		}
	}()
	return o
}

func (o *rawOrigin) addr() string { return o.ln.Addr().String() }

// readHead reads one message head and returns it with its CRLFs.
func readHead(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return sb.String(), err
		}
		if line == "\r\n" {
			return sb.String(), nil
		}
	}
}

func get(host string, extra ...string) string {
	return fmt.Sprintf("GET http://%s/path?q=1 HTTP/1.1\r\nHost: %s\r\n%s\r\n", host, host, strings.Join(extra, ""))
}

type headStage struct {
	fn func(head *model.ResponseHead) error
}

func (headStage) Name() string { return "head" }
func (s headStage) AfterResponseHead(_ *intercept.Exchange, head *model.ResponseHead) error {
	return s.fn(head)
}

type requestStage struct {
	fn func(req *model.Request) error
}

func (requestStage) Name() string { return "request" }
func (s requestStage) BeforeRequest(_ *intercept.Exchange, req *model.Request) error {
	return s.fn(req)
}

type upperStage struct{}

func (upperStage) Name() string { return "upper" }
func (upperStage) AfterResponseChunk(_ *intercept.Exchange, chunk *bufpool.Buffer) (*bufpool.Buffer, error) {
	chunk.Set(bytes.ToUpper(chunk.Bytes()))
	return chunk, nil
}

type countingDialer struct {
	Dialer
	calls atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, addr string, useTLS bool) (*netconn.Conn, error) {
	d.calls.Add(1)
	return d.Dialer.Dial(ctx, addr, useTLS)
}

type recordingPolicy struct {
	mu    sync.Mutex
	kinds []proxyerr.Kind
	next  policy.Policy
}

func (p *recordingPolicy) OnException(client, remote *netconn.Conn, cause error) {
	p.mu.Lock()
	p.kinds = append(p.kinds, proxyerr.KindOf(cause))
	p.mu.Unlock()
	p.next.OnException(client, remote, cause)
}

func (p *recordingPolicy) recorded() []proxyerr.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proxyerr.Kind(nil), p.kinds...)
}

func TestRelay_ForwardsResponseUnchanged(t *testing.T) {
	const response = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nX-Mixed-CASE: kept\r\nContent-Length: 11\r\n\r\nhello world"
	gotHead := make(chan string, 1)
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		head, _ := readHead(br)
		gotHead <- head
		_, _ = io.WriteString(c, response)
	})
	proxy := startProxy(t)

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr(), "Connection: close\r\n"))
	require.NoError(t, err)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, response, string(got))

	head := <-gotHead
	assert.True(t, strings.HasPrefix(head, "GET /path?q=1 HTTP/1.1\r\n"), "origin saw %q", head)
	assert.Contains(t, head, "Host: "+origin.addr()+"\r\n")
}

func TestRelay_HeadStageStripsHeader(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "identity")
		_, _ = io.WriteString(w, "plain")
	}))
	defer origin.Close()

	proxy := startProxy(t, withChain(headStage{fn: func(head *model.ResponseHead) error {
		head.Header.Del("Content-Encoding")
		return nil
	}}))
	c := proxy.dial(t)
	host := strings.TrimPrefix(origin.URL, "http://")
	_, err := io.WriteString(c, get(host))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "plain", string(body))
}

func TestRelay_DropBeforeRequestNeverReachesRemote(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {})
	dialer := &countingDialer{}
	proxy := startProxy(t,
		withChain(requestStage{fn: func(req *model.Request) error {
			return intercept.Drop(http.StatusUnavailableForLegalReasons, "not here")
		}}),
		func(p *Params) { dialer.Dialer = p.Dialer; p.Dialer = dialer },
	)

	c := proxy.dial(t)
	br := bufio.NewReader(c)
	for i := 0; i < 2; i++ {
		_, err := io.WriteString(c, get(origin.addr()))
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnavailableForLegalReasons, resp.StatusCode)
		assert.Equal(t, "not here\n", string(body))
	}

	// Exactly one response per request: nothing else is pending.
	_ = c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := br.ReadByte()
	assert.True(t, proxyerr.IsTimeout(err), "unexpected extra bytes or error: %v", err)

	assert.Zero(t, dialer.calls.Load())
	assert.Zero(t, origin.conns.Load())
	assert.Equal(t, uint64(2), proxy.Stats().Drops)
}

func TestRelay_DropAtHeadSendsNothing(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	})
	proxy := startProxy(t, withChain(headStage{fn: func(*model.ResponseHead) error {
		return intercept.ErrDrop
	}}))

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr()))
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRelay_ChunkStageKeepsOrder(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nTrailer: X-Trailer\r\nTransfer-Encoding: chunked\r\n\r\n")
		for _, part := range []string{"alpha-", "beta-", "gamma"} {
			_, _ = fmt.Fprintf(c, "%x\r\n%s\r\n", len(part), part)
			time.Sleep(10 * time.Millisecond)
		}
		_, _ = io.WriteString(c, "0\r\nX-Trailer: end\r\n\r\n")
	})
	proxy := startProxy(t, withChain(upperStage{}))

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr()))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "ALPHA-BETA-GAMMA", string(body))
	assert.Equal(t, "end", resp.Trailer.Get("X-Trailer"))
}

func TestRelay_ChunkStageReframesFixedLength(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nabcdef")
	})
	proxy := startProxy(t, withChain(upperStage{}))

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr()))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "ABCDEF", string(body))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
}

func TestRelay_ClientCloseMidBodyReleasesEverything(t *testing.T) {
	baseline := bufpool.Outstanding()
	remoteClosed := make(chan struct{})
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 10000000\r\n\r\n")
		chunk := bytes.Repeat([]byte("x"), 16<<10)
		for {
			if _, err := c.Write(chunk); err != nil {
				close(remoteClosed)
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	proxy := startProxy(t, withChain(upperStage{}))

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr()))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case <-remoteClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("remote connection was not closed after the client left")
	}
	require.Eventually(t, func() bool {
		return bufpool.Outstanding() == baseline && proxy.Stats().ActivePairs == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_RemoteResetCallsPolicyOnce(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 100000\r\n\r\npartial")
		time.Sleep(50 * time.Millisecond)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
	})
	rec := &recordingPolicy{next: policy.NewDefault(discardLogger(), nil)}
	proxy := startProxy(t, withPolicy(rec))

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr()))
	require.NoError(t, err)
	_, _ = io.ReadAll(c)

	require.Eventually(t, func() bool { return len(rec.recorded()) > 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []proxyerr.Kind{proxyerr.KindPeerReset}, rec.recorded())
	require.Eventually(t, func() bool { return proxy.Stats().ActivePairs == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_ConnectTunnel(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = io.Copy(c, br)
	})
	proxy := startProxy(t)

	c := proxy.dial(t)
	_, err := fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", origin.addr(), origin.addr())
	require.NoError(t, err)

	br := bufio.NewReader(c)
	head, err := readHead(br)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 "), "got %q", head)

	_, err = io.WriteString(c, "ping")
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
	assert.Equal(t, int64(1), proxy.Stats().ActiveTunnels)

	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Eventually(t, func() bool { return proxy.Stats().ActiveTunnels == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_UpgradeSwitchesToTunnel(t *testing.T) {
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\nhello")
		_, _ = io.Copy(c, br)
	})
	proxy := startProxy(t)

	c := proxy.dial(t)
	_, err := io.WriteString(c, get(origin.addr(), "Upgrade: echo\r\nConnection: Upgrade\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(c)
	head, err := readHead(br)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 101 "), "got %q", head)

	greeting := make([]byte, 5)
	_, err = io.ReadFull(br, greeting)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(greeting))

	_, err = io.WriteString(c, "echo me")
	require.NoError(t, err)
	got := make([]byte, 7)
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, "echo me", string(got))
}

func TestRelay_ExpectContinue(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(bytes.ToUpper(body))
	}))
	defer origin.Close()
	proxy := startProxy(t)

	host := strings.TrimPrefix(origin.URL, "http://")
	c := proxy.dial(t)
	_, err := fmt.Fprintf(c, "POST http://%s/ HTTP/1.1\r\nHost: %s\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\n", host, host)
	require.NoError(t, err)

	br := bufio.NewReader(c)
	interim, err := readHead(br)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(interim, "HTTP/1.1 100 "), "got %q", interim)

	_, err = io.WriteString(c, "data")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "DATA", string(body))
}

func TestRelay_KeepAliveReusesRemote(t *testing.T) {
	var conns atomic.Int32
	origin := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	}))
	origin.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	origin.Start()
	defer origin.Close()

	pool := upstream.NewPool(config.PoolConfig{MaxIdlePerHost: 4, IdleTimeoutSeconds: 60}, discardLogger(), nil)
	defer pool.Close()
	proxy := startProxy(t, withPool(pool))

	host := strings.TrimPrefix(origin.URL, "http://")
	c := proxy.dial(t)
	br := bufio.NewReader(c)
	for i := 0; i < 3; i++ {
		_, err := fmt.Fprintf(c, "GET http://%s/%d HTTP/1.1\r\nHost: %s\r\n\r\n", host, i, host)
		require.NoError(t, err)
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, fmt.Sprintf("ok /%d", i), string(body))
	}
	assert.Equal(t, int32(1), conns.Load())
	assert.Equal(t, uint64(3), proxy.Stats().Exchanges)
}

// stalePool hands out one connection the origin has already closed.
type stalePool struct {
	mu   sync.Mutex
	conn *netconn.Conn
}

func (p *stalePool) Get(string) *netconn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conn
	p.conn = nil
	return c
}

func (p *stalePool) Put(_ string, c *netconn.Conn) bool {
	_ = c.Close()
	return false
}

func TestRelay_RetriesStaleReusedRemote(t *testing.T) {
	var served atomic.Int32
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		if served.Add(1) == 1 {
			return
		}
		_, _ = readHead(br)
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nfresh")
	})
	raw, err := net.Dial("tcp", origin.addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = raw.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		_, err := raw.Read(make([]byte, 1))
		return err == io.EOF
	}, 2*time.Second, 20*time.Millisecond)
	_ = raw.SetReadDeadline(time.Time{})

	proxy := startProxy(t, withPool(&stalePool{conn: netconn.Wrap(raw, netconn.RoleRemote)}))
	c := proxy.dial(t)
	_, err = io.WriteString(c, get(origin.addr()))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "fresh", string(body))
}

func TestRelay_ConnectFailureAnswers502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	rec := &recordingPolicy{next: policy.NewDefault(discardLogger(), nil)}
	proxy := startProxy(t, withPolicy(rec))
	c := proxy.dial(t)
	_, err = io.WriteString(c, get(dead))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.True(t, resp.Close)
	assert.Equal(t, []proxyerr.Kind{proxyerr.KindRemoteConnectFailure}, rec.recorded())
}

func TestRelay_MalformedRequestAnswers400WithoutDialing(t *testing.T) {
	dialer := &countingDialer{}
	proxy := startProxy(t, func(p *Params) { dialer.Dialer = p.Dialer; p.Dialer = dialer })

	c := proxy.dial(t)
	_, err := io.WriteString(c, "NOT A REQUEST\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, dialer.calls.Load())
}

func TestRelay_MaxConnectionsRejects(t *testing.T) {
	proxy := startProxy(t, withOptions(func(o *Options) { o.MaxConnections = 1 }))

	first := proxy.dial(t)
	require.Eventually(t, func() bool { return proxy.Stats().ActivePairs == 1 }, 2*time.Second, 10*time.Millisecond)

	second := proxy.dial(t)
	resp, err := http.ReadResponse(bufio.NewReader(second), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, uint64(1), proxy.Stats().Rejected)
	_ = first
}

func TestServer_StopClosesPairs(t *testing.T) {
	proxy := startProxy(t)
	c := proxy.dial(t)
	require.Eventually(t, func() bool { return proxy.Stats().ActivePairs == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, proxy.Stop(ctx))

	_, err := c.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Zero(t, proxy.Registry().Len())
}

func TestRelay_JournalRecordsWithoutReframing(t *testing.T) {
	const response = "HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world"
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		_, _ = readHead(br)
		_, _ = io.WriteString(c, response)
	})
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec := journal.NewRecorder(store, config.JournalConfig{CaptureBytes: 5, Codec: config.CodecBrotli}, discardLogger(), nil)
	proxy := startProxy(t, withChain(rec))

	c := proxy.dial(t)
	_, err = io.WriteString(c, get(origin.addr(), "Connection: close\r\n"))
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, response, string(got))

	require.NoError(t, rec.Close())
	recent, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	full, err := store.Get(context.Background(), recent[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 200, full.Status)
	assert.Equal(t, int64(11), full.ResponseBytes)
	assert.True(t, full.Truncated)
	body, err := journal.Decode(full.Codec, full.Capture)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestRelay_ChunkedRequestBodyForwarded(t *testing.T) {
	type seen struct {
		te      []string
		body    string
		trailer string
		err     error
	}
	gotReq := make(chan seen, 1)
	origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
		req, err := http.ReadRequest(br)
		if err != nil {
			gotReq <- seen{err: err}
			return
		}
		body, err := io.ReadAll(req.Body)
		gotReq <- seen{te: req.TransferEncoding, body: string(body), trailer: req.Trailer.Get("X-Sum"), err: err}
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})
	proxy := startProxy(t)

	c := proxy.dial(t)
	_, err := fmt.Fprintf(c, "POST http://%s/upload HTTP/1.1\r\nHost: %s\r\nTrailer: X-Sum\r\nTransfer-Encoding: chunked\r\n\r\n", origin.addr(), origin.addr())
	require.NoError(t, err)
	for _, part := range []string{"5\r\nhello\r\n", "6;ext=1\r\n world\r\n", "0\r\nX-Sum: 11\r\n\r\n"} {
		_, err = io.WriteString(c, part)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	s := <-gotReq
	require.NoError(t, s.err)
	assert.Equal(t, []string{"chunked"}, s.te)
	assert.Equal(t, "hello world", s.body)
	assert.Equal(t, "11", s.trailer)
}

func TestRelay_PipelinedRequests(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	}))
	defer origin.Close()
	proxy := startProxy(t)

	host := strings.TrimPrefix(origin.URL, "http://")
	c := proxy.dial(t)
	batch := fmt.Sprintf("GET http://%s/first HTTP/1.1\r\nHost: %s\r\n\r\n", host, host) +
		fmt.Sprintf("GET http://%s/second HTTP/1.1\r\nHost: %s\r\n\r\n", host, host)
	_, err := io.WriteString(c, batch)
	require.NoError(t, err)

	br := bufio.NewReader(c)
	for _, want := range []string{"ok /first", "ok /second"} {
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, string(body))
	}
	assert.Equal(t, uint64(2), proxy.Stats().Exchanges)
}

func TestRelay_ChunkedResponseCloseDelimitedForHTTP10(t *testing.T) {
	tests := []struct {
		name   string
		stages []intercept.Stage
		want   string
	}{
		{"pass-through", nil, "alpha-beta"},
		{"chunk stage", []intercept.Stage{upperStage{}}, "ALPHA-BETA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := startRawOrigin(t, func(c net.Conn, br *bufio.Reader) {
				_, _ = readHead(br)
				_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n6\r\nalpha-\r\n4\r\nbeta\r\n0\r\n\r\n")
			})
			proxy := startProxy(t, withChain(tt.stages...))

			c := proxy.dial(t)
			_, err := fmt.Fprintf(c, "GET http://%s/ HTTP/1.0\r\n\r\n", origin.addr())
			require.NoError(t, err)
			got, err := io.ReadAll(c)
			require.NoError(t, err)

			head, body, ok := strings.Cut(string(got), "\r\n\r\n")
			require.True(t, ok, "no header terminator in %q", got)
			assert.NotContains(t, head, "Transfer-Encoding")
			assert.Contains(t, head, "Connection: close\r\n")
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestRelay_PanickingPolicyOnlyClosesItsPair(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	var calls atomic.Int32
	proxy := startProxy(t, withPolicy(policy.Func(func(*netconn.Conn, *netconn.Conn, error) {
		calls.Add(1)
		panic("policy failure")
	})))

	c := proxy.dial(t)
	_, err = io.WriteString(c, get(dead))
	require.NoError(t, err)
	_, _ = io.ReadAll(c)
	assert.Equal(t, int32(1), calls.Load())
	require.Eventually(t, func() bool { return proxy.Stats().ActivePairs == 0 }, 5*time.Second, 10*time.Millisecond)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "still serving")
	}))
	defer origin.Close()
	next := proxy.dial(t)
	_, err = io.WriteString(next, get(strings.TrimPrefix(origin.URL, "http://")))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(next), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "still serving", string(body))
}
