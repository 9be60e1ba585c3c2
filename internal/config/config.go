// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/intercept-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Listen    string `kong:"short='l',help='Proxy listen address host:port (overrides config).',env='LISTEN'"`
	AdminPort int    `kong:"short='p',help='Admin API port (overrides config).',env='ADMIN_PORT'"`
	Upstream  string `kong:"help='Upstream proxy URL: direct, socks5://[user:pass@]host:port or ss://cipher:secret@host:port (overrides config).',env='UPSTREAM'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Proxy     ProxyConfig     `toml:"proxy"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Pool      PoolConfig      `toml:"pool"`
	DNS       DNSConfig       `toml:"dns"`
	Intercept InterceptConfig `toml:"intercept"`
	Journal   JournalConfig   `toml:"journal"`
	Admin     AdminConfig     `toml:"admin"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProxyConfig holds the data-plane listener settings.
type ProxyConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (8080)

	MaxConnections int     `toml:"max_connections"` // 0 means unlimited
	AcceptRate     float64 `toml:"accept_rate"`     // new connections per second, 0 means unlimited
	AcceptBurst    int     `toml:"accept_burst"`

	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds"`
	HeaderTimeoutSeconds int `toml:"header_timeout_seconds"`
	WriteTimeoutSeconds  int `toml:"write_timeout_seconds"`
	MaxHeaderBytes       int `toml:"max_header_bytes"`
	BufferSize           int `toml:"buffer_size"`
}

// Upstream kinds.
const (
	UpstreamDirect      = "direct"
	UpstreamSOCKS5      = "socks5"
	UpstreamShadowsocks = "shadowsocks"
)

// UpstreamConfig selects how remote connections are dialed.
type UpstreamConfig struct {
	Kind     string `toml:"kind"`
	Address  string `toml:"address"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Cipher   string `toml:"cipher"`
	Secret   string `toml:"secret"`

	DialTimeoutSeconds int `toml:"dial_timeout_seconds"`
}

// PoolConfig controls keep-alive reuse of remote connections.
type PoolConfig struct {
	MaxIdlePerHost     int    `toml:"max_idle_per_host"` // 0 means default (4); negative disables pooling
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
	SweepSchedule      string `toml:"sweep_schedule"` // cron spec
}

// DNSConfig enables the built-in resolver for direct dialing.
type DNSConfig struct {
	Server       string `toml:"server"` // host:port; empty uses the system resolver
	CacheSeconds int    `toml:"cache_seconds"`
}

// InterceptConfig selects the built-in interceptor stages.
type InterceptConfig struct {
	StripHopByHop        bool     `toml:"strip_hop_by_hop"`
	StripResponseHeaders []string `toml:"strip_response_headers"`
	RulesFile            string   `toml:"rules_file"`
	AccessLog            bool     `toml:"access_log"`
}

// Journal codecs.
const (
	CodecNone   = "none"
	CodecGzip   = "gzip"
	CodecBrotli = "br"
)

// JournalConfig controls the sqlite exchange journal.
type JournalConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	CaptureBytes  int    `toml:"capture_bytes"`
	Codec         string `toml:"codec"`
	RetentionDays int    `toml:"retention_days"`
	PruneSchedule string `toml:"prune_schedule"`
	QueueSize     int    `toml:"queue_size"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (9090)
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/intercept-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Listen != "" {
		host, port, err := net.SplitHostPort(cli.Listen)
		if err != nil {
			return fmt.Errorf("--listen %q: %w", cli.Listen, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--listen %q: invalid port", cli.Listen)
		}
		c.Proxy.Host = host
		c.Proxy.Port = p
	}
	if cli.AdminPort != 0 {
		c.Admin.Port = cli.AdminPort
	}
	if cli.Upstream != "" {
		u, err := ParseUpstream(cli.Upstream)
		if err != nil {
			return fmt.Errorf("--upstream: %w", err)
		}
		u.DialTimeoutSeconds = c.Upstream.DialTimeoutSeconds
		c.Upstream = u
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	return nil
}

// ParseUpstream parses an upstream URL of the form accepted by --upstream.
func ParseUpstream(raw string) (UpstreamConfig, error) {
	if raw == UpstreamDirect {
		return UpstreamConfig{Kind: UpstreamDirect}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return UpstreamConfig{}, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Host == "" {
		return UpstreamConfig{}, fmt.Errorf("upstream URL %q has no host", raw)
	}
	out := UpstreamConfig{Address: u.Host}
	switch u.Scheme {
	case "socks5", "socks5h":
		out.Kind = UpstreamSOCKS5
		if u.User != nil {
			out.Username = u.User.Username()
			out.Password, _ = u.User.Password()
		}
	case "ss":
		out.Kind = UpstreamShadowsocks
		if u.User == nil {
			return UpstreamConfig{}, fmt.Errorf("shadowsocks upstream needs cipher:secret userinfo")
		}
		out.Cipher = u.User.Username()
		out.Secret, _ = u.User.Password()
	default:
		return UpstreamConfig{}, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	return out, nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be 0–65535; got %d", c.Proxy.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	for name, v := range map[string]int{
		"proxy.max_connections":         c.Proxy.MaxConnections,
		"proxy.accept_burst":            c.Proxy.AcceptBurst,
		"proxy.idle_timeout_seconds":    c.Proxy.IdleTimeoutSeconds,
		"proxy.header_timeout_seconds":  c.Proxy.HeaderTimeoutSeconds,
		"proxy.write_timeout_seconds":   c.Proxy.WriteTimeoutSeconds,
		"proxy.max_header_bytes":        c.Proxy.MaxHeaderBytes,
		"proxy.buffer_size":             c.Proxy.BufferSize,
		"upstream.dial_timeout_seconds": c.Upstream.DialTimeoutSeconds,
		"pool.idle_timeout_seconds":     c.Pool.IdleTimeoutSeconds,
		"dns.cache_seconds":             c.DNS.CacheSeconds,
		"journal.capture_bytes":         c.Journal.CaptureBytes,
		"journal.retention_days":        c.Journal.RetentionDays,
		"journal.queue_size":            c.Journal.QueueSize,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Proxy.AcceptRate < 0 {
		return fmt.Errorf("proxy.accept_rate must be non-negative; got %v", c.Proxy.AcceptRate)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	// Upstream.
	switch strings.ToLower(c.Upstream.Kind) {
	case "", UpstreamDirect:
	case UpstreamSOCKS5:
		if c.Upstream.Address == "" {
			return fmt.Errorf("upstream.address is required for socks5")
		}
	case UpstreamShadowsocks:
		if c.Upstream.Address == "" || c.Upstream.Cipher == "" || c.Upstream.Secret == "" {
			return fmt.Errorf("upstream.address, upstream.cipher and upstream.secret are required for shadowsocks")
		}
	default:
		return fmt.Errorf("upstream.kind must be one of: direct, socks5, shadowsocks; got %q", c.Upstream.Kind)
	}
	if c.Upstream.Address != "" {
		if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
			return fmt.Errorf("upstream.address must be host:port: %w", err)
		}
	}
	if c.DNS.Server != "" {
		if _, _, err := net.SplitHostPort(c.DNS.Server); err != nil {
			return fmt.Errorf("dns.server must be host:port: %w", err)
		}
	}

	// Schedules.
	for name, spec := range map[string]string{
		"pool.sweep_schedule":    c.Pool.SweepSchedule,
		"journal.prune_schedule": c.Journal.PruneSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron schedule: %w", name, err)
		}
	}

	// Journal.
	switch strings.ToLower(c.Journal.Codec) {
	case "", CodecNone, CodecGzip, CodecBrotli:
	default:
		return fmt.Errorf("journal.codec must be one of: none, gzip, br; got %q", c.Journal.Codec)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = "127.0.0.1"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8080
	}
	if c.Proxy.AcceptRate > 0 && c.Proxy.AcceptBurst == 0 {
		c.Proxy.AcceptBurst = int(c.Proxy.AcceptRate) + 1
	}
	if c.Proxy.IdleTimeoutSeconds == 0 {
		c.Proxy.IdleTimeoutSeconds = 120
	}
	if c.Proxy.HeaderTimeoutSeconds == 0 {
		c.Proxy.HeaderTimeoutSeconds = 30
	}
	if c.Proxy.WriteTimeoutSeconds == 0 {
		c.Proxy.WriteTimeoutSeconds = 60
	}
	if c.Proxy.MaxHeaderBytes == 0 {
		c.Proxy.MaxHeaderBytes = 64 * 1024
	}
	if c.Proxy.BufferSize == 0 {
		c.Proxy.BufferSize = 32 * 1024
	}
	if c.Upstream.Kind == "" {
		c.Upstream.Kind = UpstreamDirect
	}
	c.Upstream.Kind = strings.ToLower(c.Upstream.Kind)
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 15
	}
	if c.Pool.MaxIdlePerHost == 0 {
		c.Pool.MaxIdlePerHost = 4
	}
	if c.Pool.IdleTimeoutSeconds == 0 {
		c.Pool.IdleTimeoutSeconds = 90
	}
	if c.Pool.SweepSchedule == "" {
		c.Pool.SweepSchedule = "* * * * *"
	}
	if c.DNS.CacheSeconds == 0 {
		c.DNS.CacheSeconds = 60
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "journal.db"
	}
	if c.Journal.CaptureBytes == 0 {
		c.Journal.CaptureBytes = 64 * 1024
	}
	if c.Journal.Codec == "" {
		c.Journal.Codec = CodecGzip
	}
	c.Journal.Codec = strings.ToLower(c.Journal.Codec)
	if c.Journal.RetentionDays == 0 {
		c.Journal.RetentionDays = 7
	}
	if c.Journal.PruneSchedule == "" {
		c.Journal.PruneSchedule = "0 * * * *"
	}
	if c.Journal.QueueSize == 0 {
		c.Journal.QueueSize = 256
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the proxy listen address as host:port.
func (c *ProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// IdleTimeout is the keep-alive wait for the next client request.
func (c *ProxyConfig) IdleTimeout() time.Duration { return seconds(c.IdleTimeoutSeconds) }

// HeaderTimeout bounds reading one request or response head.
func (c *ProxyConfig) HeaderTimeout() time.Duration { return seconds(c.HeaderTimeoutSeconds) }

// WriteTimeout bounds a single write to either side.
func (c *ProxyConfig) WriteTimeout() time.Duration { return seconds(c.WriteTimeoutSeconds) }

// DialTimeout bounds a remote connection attempt.
func (c *UpstreamConfig) DialTimeout() time.Duration { return seconds(c.DialTimeoutSeconds) }

// IdleTimeout is how long an idle remote stays pooled.
func (c *PoolConfig) IdleTimeout() time.Duration { return seconds(c.IdleTimeoutSeconds) }

// CacheTTL is the upper bound for cached DNS answers.
func (c *DNSConfig) CacheTTL() time.Duration { return seconds(c.CacheSeconds) }

// Retention is how long journal records are kept.
func (c *JournalConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
