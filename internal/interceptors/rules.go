package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"intercept-proxy-go/internal/intercept"
	"intercept-proxy-go/internal/model"
)

const reloadDebounce = 100 * time.Millisecond

// Rule blocks requests whose host matches Host.
type Rule struct {
	// Host is a glob matched against the request host without port,
	// e.g. "*.ads.example.com".
	Host string `yaml:"host"`
	// PathPrefix optionally narrows the rule to request targets with this prefix.
	PathPrefix string   `yaml:"path_prefix"`
	Methods    []string `yaml:"methods"`
	Status     int      `yaml:"status"`
	Body       string   `yaml:"body"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Match reports whether the rule applies to req.
func (r *Rule) Match(req *model.Request) bool {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ok, _ := path.Match(r.Host, strings.ToLower(host)); !ok {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(req.Target, r.PathPrefix) {
		return false
	}
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, req.Method) {
			return true
		}
	}
	return false
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	for i := range f.Rules {
		r := &f.Rules[i]
		r.Host = strings.ToLower(strings.TrimSpace(r.Host))
		if r.Host == "" {
			return nil, fmt.Errorf("rule %d: host is required", i)
		}
		if _, err := path.Match(r.Host, ""); err != nil {
			return nil, fmt.Errorf("rule %d: bad host pattern %q: %w", i, r.Host, err)
		}
		if r.Status == 0 {
			r.Status = http.StatusForbidden
		}
		if r.Status < 200 || r.Status > 599 {
			return nil, fmt.Errorf("rule %d: status must be between 200 and 599, got %d", i, r.Status)
		}
	}
	return f.Rules, nil
}

// RuleSet is a block list stage backed by a YAML file. The rules are
// swapped atomically on reload, so lookups never block.
type RuleSet struct {
	path   string
	logger *slog.Logger
	rules  atomic.Pointer[[]Rule]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadRuleSet reads the rules file at p.
func LoadRuleSet(p string, logger *slog.Logger) (*RuleSet, error) {
	rs := &RuleSet{path: p, logger: logger.With("component", "rules")}
	if err := rs.Reload(); err != nil {
		return nil, err
	}
	return rs, nil
}

// NewRuleSet returns a rule set holding rules, with no backing file.
func NewRuleSet(rules []Rule, logger *slog.Logger) *RuleSet {
	rs := &RuleSet{logger: logger.With("component", "rules")}
	rs.rules.Store(&rules)
	return rs
}

// Name implements intercept.Stage.
func (*RuleSet) Name() string { return "block_rules" }

// Rules returns the active rules.
func (rs *RuleSet) Rules() []Rule {
	if p := rs.rules.Load(); p != nil {
		return *p
	}
	return nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (rs *RuleSet) Reload() error {
	data, err := os.ReadFile(rs.path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return err
	}
	rs.rules.Store(&rules)
	rs.logger.Info("rules loaded", "path", rs.path, "count", len(rules))
	return nil
}

// BeforeRequest implements intercept.RequestStage.
func (rs *RuleSet) BeforeRequest(ex *intercept.Exchange, req *model.Request) error {
	rules := rs.Rules()
	for i := range rules {
		r := &rules[i]
		if !r.Match(req) {
			continue
		}
		if ex != nil && ex.Logger != nil {
			ex.Logger.Info("request blocked", "url", req.URL(), "rule", r.Host, "status", r.Status)
		}
		body := r.Body
		if body == "" {
			body = "proxy: blocked by rule " + r.Host
		}
		return intercept.Drop(r.Status, body)
	}
	return nil
}

// Watch reloads the rules whenever the file changes until ctx ends or
// Close is called. The directory is watched so editors that replace the
// file are picked up.
func (rs *RuleSet) Watch(ctx context.Context) error {
	if rs.path == "" {
		return errors.New("rule set has no file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(rs.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", rs.path, err)
	}

	rs.mu.Lock()
	if rs.watcher != nil {
		rs.mu.Unlock()
		_ = w.Close()
		return errors.New("rule set already watched")
	}
	rs.watcher = w
	rs.done = make(chan struct{})
	rs.mu.Unlock()
	defer close(rs.done)

	target := filepath.Clean(rs.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&fsnotify.Chmod == ev.Op {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := rs.Reload(); err != nil {
					rs.logger.Error("rules reload failed", "path", rs.path, "error", err)
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			rs.logger.Warn("rules watcher error", "error", err)
		}
	}
}

// Close stops a running Watch and waits for it to return.
func (rs *RuleSet) Close() error {
	rs.mu.Lock()
	w, done := rs.watcher, rs.done
	rs.watcher = nil
	rs.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
