package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions            prometheus.Gauge
	presenceEvents      *prometheus.CounterVec
	messagesRouted      *prometheus.CounterVec
	droppedDeliveries   prometheus.Counter
	persistenceFailures prometheus.Counter
	wsConnections       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatroomz",
			Subsystem: "presence",
			Name:      "sessions",
			Help:      "Live channel sessions tracked by the connection registry.",
		}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatroomz",
			Subsystem: "presence",
			Name:      "events_total",
			Help:      "Presence events fanned out, by kind.",
		}, []string{"kind"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatroomz",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages accepted by the router, by outcome.",
		}, []string{"outcome"}),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatroomz",
			Subsystem: "presence",
			Name:      "dropped_deliveries_total",
			Help:      "Fan-out deliveries dropped because a connection queue was full or closing.",
		}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatroomz",
			Subsystem: "router",
			Name:      "persistence_failures_total",
			Help:      "Message appends that failed; none of these were broadcast.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatroomz",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessions,
			m.presenceEvents,
			m.messagesRouted,
			m.droppedDeliveries,
			m.persistenceFailures,
			m.wsConnections,
		)
	}
	return m
}

func (m *Metrics) sessionAdded() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionRemoved() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) presence(kind string) {
	if m != nil {
		m.presenceEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) routed(outcome string) {
	if m != nil {
		m.messagesRouted.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) dropped(n int) {
	if m != nil && n > 0 {
		m.droppedDeliveries.Add(float64(n))
	}
}

func (m *Metrics) persistenceFailed() {
	if m != nil {
		m.persistenceFailures.Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}
