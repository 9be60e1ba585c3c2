// Package interceptors provides the built-in interceptor chain stages.
package interceptors

import (
	"log/slog"
	"strings"

	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/model"
)

// framingHeaders are never removed: the relay depends on them to delimit
// messages and to detect upgrades.
var framingHeaders = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"transfer-encoding": true,
	"upgrade":           true,
	"host":              true,
}

var requestHopHeaders = []string{"Proxy-Connection", "Proxy-Authorization", "Keep-Alive", "TE"}

var responseHopHeaders = []string{"Proxy-Connection", "Proxy-Authenticate", "Keep-Alive"}

// HopByHop removes hop-by-hop fields that must not be forwarded, including
// the fields named by the Connection header. Framing fields are kept.
type HopByHop struct{}

// Name implements intercept.Stage.
func (HopByHop) Name() string { return "hop_by_hop" }

// BeforeRequest implements intercept.RequestStage.
func (HopByHop) BeforeRequest(_ *intercept.Exchange, req *model.Request) error {
	stripHop(&req.Header, requestHopHeaders)
	return nil
}

// AfterResponseHead implements intercept.ResponseHeadStage.
func (HopByHop) AfterResponseHead(_ *intercept.Exchange, head *model.ResponseHead) error {
	stripHop(&head.Header, responseHopHeaders)
	return nil
}

func stripHop(h *model.Header, fixed []string) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" || framingHeaders[strings.ToLower(name)] {
				continue
			}
			h.Del(name)
		}
	}
	for _, name := range fixed {
		h.Del(name)
	}
}

// StripHeaders deletes a fixed set of response header fields.
type StripHeaders struct {
	names []string
}

// NewStripHeaders returns a stage removing names from every response head.
// Framing fields in names are ignored with a warning.
func NewStripHeaders(names []string, logger *slog.Logger) *StripHeaders {
	s := &StripHeaders{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if framingHeaders[strings.ToLower(n)] {
			logger.Warn("refusing to strip framing header", "component", "interceptors", "header", n)
			continue
		}
		s.names = append(s.names, n)
	}
	return s
}

// Name implements intercept.Stage.
func (*StripHeaders) Name() string { return "strip_headers" }

// Names returns the header fields the stage removes.
func (s *StripHeaders) Names() []string { return s.names }

// AfterResponseHead implements intercept.ResponseHeadStage.
func (s *StripHeaders) AfterResponseHead(_ *intercept.Exchange, head *model.ResponseHead) error {
	for _, n := range s.names {
		head.Header.Del(n)
	}
	return nil
}
