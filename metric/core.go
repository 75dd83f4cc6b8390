package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared by the server core. Components
// register their own metrics through the Registrar interface instead.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionsExpired prometheus.Counter
	HandshakesTotal *prometheus.CounterVec

	TransportConnected prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "echomux",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently active duologues",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total duologues created",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echomux",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total duologues closed, by cause",
		}, []string{"cause"}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux",
			Subsystem: "sessions",
			Name:      "expired_total",
			Help:      "Total duologues reaped because the peer never attached",
		}),
		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echomux",
			Subsystem: "server",
			Name:      "handshakes_total",
			Help:      "Total handshake requests, by outcome",
		}, []string{"outcome"}),
		TransportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "echomux",
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Whether the transport connection is up (0/1)",
		}),
	}
}
