// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for stream and upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	Connections       *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	Streams         *prometheus.CounterVec
	StreamsInFlight prometheus.Gauge
	StreamDuration  *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	AdminRequests *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quic_proxy_connections_total",
			Help: "Total incoming QUIC connections by result.",
		}, []string{"result"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_proxy_connections_active",
			Help: "Number of established QUIC connections.",
		}),
		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quic_proxy_streams_total",
			Help: "Total proxied streams by outcome.",
		}, []string{"outcome"}),
		StreamsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_proxy_streams_in_flight",
			Help: "Number of streams currently being processed.",
		}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quic_proxy_stream_duration_seconds",
			Help:    "Time from stream accept to response finish or failure, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quic_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),
		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quic_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),
		AdminRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quic_proxy_admin_requests_total",
			Help: "Total requests served by the admin HTTP endpoint.",
		}, []string{"method", "status_code", "route"}),
	}

	reg.MustRegister(
		m.Connections,
		m.ConnectionsActive,
		m.Streams,
		m.StreamsInFlight,
		m.StreamDuration,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.AdminRequests,
	)

	return m
}

// Connection results.
const (
	ConnAccepted = "accepted"
	ConnRejected = "rejected"
	ConnFailed   = "handshake_failed"
)

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
