package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "huddle"

// Metrics holds the realtime Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	inbound     *prometheus.CounterVec
	deliveries  prometheus.Counter
	dropped     prometheus.Counter
	mentions    prometheus.Counter
	rejected    *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_connections",
			Help:      "Connections currently registered in the online directory.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_rooms",
			Help:      "Rooms with at least one joined connection.",
		}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_events_total",
			Help:      "Client events accepted by the hub, by kind.",
		}, []string{"kind"}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Envelopes queued to client connections.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_deliveries_total",
			Help:      "Envelopes dropped because a client queue was full or closing.",
		}),
		mentions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mention_notifications_total",
			Help:      "mention:received envelopes delivered.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_connections_total",
			Help:      "Handshakes or sessions rejected by the gateway, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) setPresence(connections, rooms int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.rooms.Set(float64(rooms))
}

func (m *Metrics) observeInbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeDelivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.Inc()
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) observeMentions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mentions.Add(float64(n))
}

func (m *Metrics) observeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
