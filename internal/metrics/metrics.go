// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. A nil *Metrics is safe to call, so wiring
// stays optional in tests.
type Metrics struct {
	PacketsReceived  *prometheus.CounterVec // by frame type
	PacketsForwarded prometheus.Counter
	Fulfills         prometheus.Counter
	Rejects          *prometheus.CounterVec // by code
	InFlight         prometheus.Gauge
	PeerSessions     prometheus.Gauge
	Settlements      *prometheus.CounterVec // by status
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_packets_received_total",
			Help: "Inbound packets by frame type.",
		}, []string{"type"}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_packets_forwarded_total",
			Help: "Prepares forwarded downstream.",
		}),
		Fulfills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_fulfills_total",
			Help: "Fulfill responses emitted to sources.",
		}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_rejects_total",
			Help: "Reject responses emitted to sources, by code.",
		}, []string{"code"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_inflight_prepares",
			Help: "Prepares currently awaiting a downstream response.",
		}),
		PeerSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_peer_sessions_open",
			Help: "Open peer sessions.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_settlements_total",
			Help: "Settlement submissions by outcome status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.PacketsReceived, m.PacketsForwarded, m.Fulfills, m.Rejects,
		m.InFlight, m.PeerSessions, m.Settlements,
	)
	return m
}

func (m *Metrics) IncReceived(frameType string) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) IncForwarded() {
	if m != nil {
		m.PacketsForwarded.Inc()
	}
}

func (m *Metrics) IncFulfill() {
	if m != nil {
		m.Fulfills.Inc()
	}
}

func (m *Metrics) IncReject(code string) {
	if m != nil {
		m.Rejects.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) AddInFlight(d float64) {
	if m != nil {
		m.InFlight.Add(d)
	}
}

func (m *Metrics) SetPeerSessions(n float64) {
	if m != nil {
		m.PeerSessions.Set(n)
	}
}

func (m *Metrics) IncSettlement(status string) {
	if m != nil {
		m.Settlements.WithLabelValues(status).Inc()
	}
}
