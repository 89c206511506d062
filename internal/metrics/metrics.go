// Package metrics holds the relay-side Prometheus collectors shared
// by the control plane and every data-plane forwarder. It mounts
// nothing itself — internal/relay registers Metrics.Collectors() on
// whatever registry it chooses, matching the way the rest of this
// codebase keeps HTTP surfaces out of library packages.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full set of relay-side counters and gauges. Every
// field is safe for concurrent use (prometheus collectors always are).
type Metrics struct {
	BytesTotal          *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	ActiveAgents        prometheus.Gauge
	ProtocolViolations  *prometheus.CounterVec
	Routes              prometheus.Gauge
	StreamsOpenedTotal  *prometheus.CounterVec
	ReverseForwardTotal *prometheus.CounterVec
}

// New builds a Metrics with all collectors registered under the
// "localup_relay" namespace.
func New() *Metrics {
	const ns = "localup_relay"

	return &Metrics{
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bytes_total",
			Help:      "Bytes forwarded per direction per protocol.",
		}, []string{"protocol", "direction"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_sessions",
			Help:      "Currently authenticated client sessions.",
		}),

		ActiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_agents",
			Help:      "Currently registered reverse-tunnel agents.",
		}),

		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "protocol_violations_total",
			Help:      "Protocol violations observed per kind (oversize_frame, decode_error, duplicate_connect, unknown_message, mismatched_tunnel_id).",
		}, []string{"kind"}),

		Routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "routes",
			Help:      "Currently registered routes, exact plus wildcard.",
		}),

		StreamsOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "streams_opened_total",
			Help:      "Data-plane streams opened per protocol.",
		}, []string{"protocol"}),

		ReverseForwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "reverse_forward_total",
			Help:      "Reverse-tunnel forward attempts per outcome (accepted, rejected, agent_unavailable).",
		}, []string{"outcome"}),
	}
}

// Collectors returns every collector so a caller can register them
// against a prometheus.Registerer in one call.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BytesTotal,
		m.ActiveSessions,
		m.ActiveAgents,
		m.ProtocolViolations,
		m.Routes,
		m.StreamsOpenedTotal,
		m.ReverseForwardTotal,
	}
}

// AddBytes increments the per-direction byte counter for protocol.
// direction is "in" (public→tunnel) or "out" (tunnel→public).
func (m *Metrics) AddBytes(protocol, direction string, n int) {
	if n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(protocol, direction).Add(float64(n))
}

// ViolationKinds enumerates the protocol violation labels this relay
// emits, matching the taxonomy in the error handling design.
const (
	ViolationOversizeFrame    = "oversize_frame"
	ViolationDecodeError      = "decode_error"
	ViolationDuplicateConnect = "duplicate_connect"
	ViolationUnknownMessage   = "unknown_message"
	ViolationMismatchedTunnel = "mismatched_tunnel_id"
)
