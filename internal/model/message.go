package model

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Framing describes how a message body is delimited on the wire.
type Framing int

const (
	// FramingNone means the message carries no body.
	FramingNone Framing = iota
	// FramingLength means the body is exactly ContentLength bytes.
	FramingLength
	// FramingChunked means the body uses chunked transfer-coding.
	FramingChunked
	// FramingUntilClose means the body runs until the sender closes.
	FramingUntilClose
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLength:
		return "length"
	case FramingChunked:
		return "chunked"
	case FramingUntilClose:
		return "until-close"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// Request is a parsed client request on its way to the destination.
type Request struct {
	Method string
	// Target is the request-target written to the remote connection.
	// Absolute-form targets are rewritten to origin-form during parsing.
	Target string
	Proto  string
	Header Header

	// Scheme is "http" or "https" for forwarded requests and "" for CONNECT.
	Scheme string
	// Host is the destination authority as host:port.
	Host string

	Framing       Framing
	ContentLength int64
	// Body yields the decoded body bytes. It is nil when Framing is FramingNone.
	Body io.Reader
}

// IsConnect reports whether the request asks for a tunnel.
func (r *Request) IsConnect() bool {
	return r.Method == http.MethodConnect
}

// KeepAlive reports whether the client expects the connection to stay
// open after this exchange.
func (r *Request) KeepAlive() bool {
	return keepAlive(r.Proto, r.Header)
}

// URL returns the absolute URL of the request for logging.
func (r *Request) URL() string {
	if r.IsConnect() {
		return r.Host
	}
	return r.Scheme + "://" + r.Host + r.Target
}

// ResponseHead is the status line and header block of a response. The
// body follows as an ordered sequence of chunks.
type ResponseHead struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header

	Framing       Framing
	ContentLength int64
}

// StatusLine renders the status line without the trailing CRLF.
func (h *ResponseHead) StatusLine() string {
	if h.Reason == "" {
		return fmt.Sprintf("%s %03d", h.Proto, h.StatusCode)
	}
	return fmt.Sprintf("%s %03d %s", h.Proto, h.StatusCode, h.Reason)
}

// Interim reports whether the head is a 1xx informational response that is
// followed by another head. 101 is not interim: it ends HTTP framing.
func (h *ResponseHead) Interim() bool {
	return h.StatusCode >= 100 && h.StatusCode < 200 && h.StatusCode != http.StatusSwitchingProtocols
}

// Upgraded reports whether the response switches the connection to another protocol.
func (h *ResponseHead) Upgraded() bool {
	return h.StatusCode == http.StatusSwitchingProtocols
}

// KeepAlive reports whether the sender keeps the connection open afterwards.
func (h *ResponseHead) KeepAlive() bool {
	if h.Framing == FramingUntilClose {
		return false
	}
	return keepAlive(h.Proto, h.Header)
}

// Clone returns a copy whose header can be modified independently.
func (h *ResponseHead) Clone() *ResponseHead {
	c := *h
	c.Header = h.Header.Clone()
	return &c
}

func keepAlive(proto string, h Header) bool {
	if h.HasToken("Connection", "close") {
		return false
	}
	if strings.EqualFold(proto, "HTTP/1.0") {
		return h.HasToken("Connection", "keep-alive")
	}
	return true
}
