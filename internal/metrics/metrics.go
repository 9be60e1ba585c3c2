// Package metrics provides Prometheus metrics for the relay and the admin API.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	// Admin API.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Data plane.
	ConnectionsTotal *prometheus.CounterVec
	PairsActive      prometheus.Gauge
	TunnelsActive    prometheus.Gauge
	ExchangesTotal   *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	DialDuration     *prometheus.HistogramVec
	BytesRelayed     *prometheus.CounterVec
	ExceptionsTotal  *prometheus.CounterVec
	ClosesTotal      *prometheus.CounterVec
	DropsTotal       *prometheus.CounterVec
	PoolReuseTotal   *prometheus.CounterVec
	PoolIdle         prometheus.Gauge
	JournalTotal     *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_admin_requests_total",
			Help: "Total admin API requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_admin_requests_in_flight",
			Help: "Number of admin API requests currently being processed.",
		}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_client_connections_total",
			Help: "Client connections by accept result.",
		}, []string{"result"}),

		PairsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_pairs_active",
			Help: "Connection pairs currently open.",
		}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_tunnels_active",
			Help: "Pairs currently in tunnel mode.",
		}),

		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_exchanges_total",
			Help: "Relayed request/response exchanges by method and status code.",
		}, []string{"method", "status_code"}),

		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_exchange_duration_seconds",
			Help:    "Time from request read to response end in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		DialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_remote_dial_duration_seconds",
			Help:    "Remote connection setup latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"result"}),

		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_bytes_relayed_total",
			Help: "Bytes relayed by direction.",
		}, []string{"direction"}),

		ExceptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_exceptions_total",
			Help: "Pair failures handed to the exception policy, by kind.",
		}, []string{"kind"}),

		ClosesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_connection_closes_total",
			Help: "Connection closes by side and reason.",
		}, []string{"role", "reason"}),

		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_drops_total",
			Help: "Messages dropped by interceptors, by phase.",
		}, []string{"phase"}),

		PoolReuseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_pool_gets_total",
			Help: "Remote pool lookups by result.",
		}, []string{"result"}),

		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_pool_idle_connections",
			Help: "Idle remote connections held by the pool.",
		}),

		JournalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_journal_records_total",
			Help: "Journal records by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ConnectionsTotal,
		m.PairsActive,
		m.TunnelsActive,
		m.ExchangesTotal,
		m.ExchangeDuration,
		m.DialDuration,
		m.BytesRelayed,
		m.ExceptionsTotal,
		m.ClosesTotal,
		m.DropsTotal,
		m.PoolReuseTotal,
		m.PoolIdle,
		m.JournalTotal,
	)

	return m
}

// ObserveExchange records one finished exchange.
func (m *Metrics) ObserveExchange(method string, status int, elapsed time.Duration) {
	method = NormalizeMethod(method)
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.ExchangesTotal.WithLabelValues(method, code).Inc()
	m.ExchangeDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/proxy/pairs", "/proxy/journal", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
