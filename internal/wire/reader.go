// Package wire reads and writes HTTP/1.1 messages on raw connections.
// Header order and name case are kept exactly as received so an
// unmodified message is relayed byte for byte.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"intercept-proxy-go/internal/model"
	"intercept-proxy-go/internal/proxyerr"
)

// DefaultMaxHeaderBytes bounds the request line plus header block.
const DefaultMaxHeaderBytes = 64 << 10

var (
	ErrHeaderTooLarge  = errors.New("header block too large")
	ErrBadRequestLine  = errors.New("malformed request line")
	ErrBadStatusLine   = errors.New("malformed status line")
	ErrBadHeaderLine   = errors.New("malformed header line")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrBadLength       = errors.New("invalid Content-Length")
	ErrBadEncoding     = errors.New("unsupported Transfer-Encoding")
	ErrMissingHost     = errors.New("missing host")
	ErrBadChunk        = errors.New("malformed chunk")
	ErrMalformedRemote = errors.New("malformed response from remote")
)

// Reader parses messages from a buffered connection.
type Reader struct {
	br        *bufio.Reader
	maxHeader int
}

// NewReader returns a Reader over br. A non-positive maxHeaderBytes
// selects DefaultMaxHeaderBytes.
func NewReader(br *bufio.Reader, maxHeaderBytes int) *Reader {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Reader{br: br, maxHeader: maxHeaderBytes}
}

// Buffered exposes the underlying reader, used when a pair switches to
// tunnel mode and already buffered bytes must be forwarded first.
func (r *Reader) Buffered() *bufio.Reader { return r.br }

// ReadRequest reads the next request head and attaches a body reader.
// It returns io.EOF unchanged when the connection closes between
// requests. Syntax errors are tagged proxyerr.KindMalformedRequest, transport
// errors are returned as they came from the connection.
func (r *Reader) ReadRequest() (*model.Request, error) {
	budget := r.maxHeader
	var line []byte
	for {
		var err error
		line, err = r.readLine(&budget)
		if err != nil {
			return nil, requestErr(err)
		}
		// Stray CRLF before a request line is allowed.
		if len(line) > 0 {
			break
		}
	}

	method, target, proto, ok := parseRequestLine(string(line))
	if !ok {
		return nil, malformed(fmt.Errorf("%w: %q", ErrBadRequestLine, truncate(line)))
	}
	if !validProto(proto) {
		return nil, malformed(fmt.Errorf("%w: %q", ErrBadVersion, proto))
	}

	header, err := r.readHeader(&budget)
	if err != nil {
		return nil, requestErr(err)
	}

	req := &model.Request{Method: method, Target: target, Proto: proto, Header: header}
	if err := resolveTarget(req); err != nil {
		return nil, malformed(err)
	}
	if err := requestFraming(req); err != nil {
		return nil, malformed(err)
	}
	if req.Framing != model.FramingNone {
		req.Body = NewBody(r.br, req.Framing, req.ContentLength)
	}
	return req, nil
}

// ReadResponseHead reads one response head. method is the request
// method the response answers, needed to decide whether a body follows.
func (r *Reader) ReadResponseHead(method string) (*model.ResponseHead, error) {
	budget := r.maxHeader
	line, err := r.readLine(&budget)
	if err != nil {
		return nil, err
	}
	head, ok := parseStatusLine(string(line))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadStatusLine, truncate(line))
	}
	head.Header, err = r.readHeader(&budget)
	if err != nil {
		return nil, err
	}
	if err := responseFraming(head, method); err != nil {
		return nil, err
	}
	return head, nil
}

// readLine returns one line without its terminator, charging it to budget.
func (r *Reader) readLine(budget *int) ([]byte, error) {
	var full []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return nil, ErrHeaderTooLarge
		}
		if err == nil {
			if full == nil {
				full = frag
			} else {
				full = append(full, frag...)
			}
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			full = append(full, frag...)
			continue
		}
		if len(frag) > 0 || len(full) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	full = bytes.TrimSuffix(full, []byte("\n"))
	full = bytes.TrimSuffix(full, []byte("\r"))
	return full, nil
}

func (r *Reader) readHeader(budget *int) (model.Header, error) {
	var h model.Header
	for {
		line, err := r.readLine(budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(line) == 0 {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obs-fold
			return nil, fmt.Errorf("%w: folded line", ErrBadHeaderLine)
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !validToken(name) {
			return nil, fmt.Errorf("%w: %q", ErrBadHeaderLine, truncate(line))
		}
		h = append(h, model.Field{
			Name:  string(name),
			Value: string(bytes.Trim(value, " \t")),
		})
	}
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.Contains(proto, " ") {
		return "", "", "", false
	}
	if !validToken([]byte(method)) {
		return "", "", "", false
	}
	return method, target, proto, true
}

func parseStatusLine(line string) (*model.ResponseHead, bool) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !validProto(proto) {
		return nil, false
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return nil, false
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return nil, false
	}
	return &model.ResponseHead{Proto: proto, StatusCode: status, Reason: reason}, true
}

func validProto(p string) bool {
	return p == "HTTP/1.1" || p == "HTTP/1.0"
}

// resolveTarget fills Scheme and Host and rewrites absolute-form targets
// to origin-form, since origin servers are not required to accept them.
func resolveTarget(req *model.Request) error {
	switch {
	case req.Method == http.MethodConnect:
		host, port, err := net.SplitHostPort(req.Target)
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("%w: CONNECT target %q", ErrBadRequestLine, req.Target)
		}
		req.Host = req.Target
		return nil

	case strings.HasPrefix(req.Target, "/") || req.Target == "*":
		host := req.Header.Get("Host")
		if host == "" {
			return ErrMissingHost
		}
		req.Scheme = "http"
		req.Host = withPort(host, "80")
		return nil
	}

	u, err := url.Parse(req.Target)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: target %q", ErrBadRequestLine, req.Target)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBadRequestLine, u.Scheme)
	}
	defPort := "80"
	if scheme == "https" {
		defPort = "443"
	}
	req.Scheme = scheme
	req.Host = withPort(u.Host, defPort)
	req.Target = u.RequestURI()
	req.Header.Set("Host", u.Host)
	return nil
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

func requestFraming(req *model.Request) error {
	if req.Header.Has("Transfer-Encoding") {
		if !lastCodingChunked(req.Header) {
			return fmt.Errorf("%w: %q", ErrBadEncoding, req.Header.Get("Transfer-Encoding"))
		}
		req.Header.Del("Content-Length")
		req.Framing = model.FramingChunked
		return nil
	}
	n, ok, err := contentLength(req.Header)
	if err != nil {
		return err
	}
	if ok && n > 0 {
		req.Framing = model.FramingLength
		req.ContentLength = n
	}
	return nil
}

func responseFraming(head *model.ResponseHead, method string) error {
	code := head.StatusCode
	if method == http.MethodHead || (code >= 100 && code < 200) ||
		code == http.StatusNoContent || code == http.StatusNotModified {
		head.Framing = model.FramingNone
		return nil
	}
	if head.Header.Has("Transfer-Encoding") {
		if lastCodingChunked(head.Header) {
			head.Framing = model.FramingChunked
		} else {
			head.Framing = model.FramingUntilClose
		}
		return nil
	}
	n, ok, err := contentLength(head.Header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRemote, err)
	}
	switch {
	case !ok:
		head.Framing = model.FramingUntilClose
	case n == 0:
		head.Framing = model.FramingNone
	default:
		head.Framing = model.FramingLength
		head.ContentLength = n
	}
	return nil
}

func lastCodingChunked(h model.Header) bool {
	vals := h.Values("Transfer-Encoding")
	if len(vals) == 0 {
		return false
	}
	codings := strings.Split(vals[len(vals)-1], ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

// contentLength returns the declared length. Repeated fields must agree.
func contentLength(h model.Header) (int64, bool, error) {
	vals := h.Values("Content-Length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if !allDigits(part, false) {
				return 0, false, fmt.Errorf("%w: %q", ErrBadLength, v)
			}
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, false, fmt.Errorf("%w: %q", ErrBadLength, v)
			}
			if n >= 0 && m != n {
				return 0, false, fmt.Errorf("%w: conflicting values", ErrBadLength)
			}
			n = m
		}
	}
	return n, true, nil
}

// allDigits reports whether s is a non-empty run of decimal digits, or
// of hex digits when hex is set.
func allDigits(s string, hex bool) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case hex && (c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'):
		default:
			return false
		}
	}
	return true
}

func validToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0 {
			return false
		}
	}
	return true
}

func requestErr(err error) error {
	if errors.Is(err, ErrHeaderTooLarge) || errors.Is(err, ErrBadHeaderLine) {
		return malformed(err)
	}
	return err
}

func malformed(err error) error {
	return proxyerr.New(proxyerr.KindMalformedRequest, "read request", err)
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
