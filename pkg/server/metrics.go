package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Metrics owns its
// own registry so multiple servers in one process never collide on
// registration. A nil *Metrics is a no-op on every method.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	messagesReceived *prometheus.CounterVec
	rejectsTotal     *prometheus.CounterVec
	relayDeliveries  prometheus.Counter
	relayQueueDepth  prometheus.Gauge
	historySize      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lugchat_active_sessions",
			Help: "Number of currently connected sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lugchat_sessions_total",
			Help: "Total sessions accepted since start.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lugchat_messages_received_total",
			Help: "Messages received, by message type.",
		}, []string{"type"}),
		rejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lugchat_rejects_total",
			Help: "Rejected messages, by reason.",
		}, []string{"reason"}),
		relayDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lugchat_relay_deliveries_total",
			Help: "Envelopes delivered to subscribers by the relay.",
		}),
		relayQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lugchat_relay_queue_depth",
			Help: "Envelopes waiting in the relay queue.",
		}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lugchat_history_size",
			Help: "Envelopes held in the in-memory history.",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.messagesReceived,
		m.rejectsTotal,
		m.relayDeliveries,
		m.relayQueueDepth,
		m.historySize,
	)
	return m
}

// Handler serves this Metrics' registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordReject(reason string) {
	if m == nil {
		return
	}
	m.rejectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRelayDeliveries(n int) {
	if m == nil {
		return
	}
	m.relayDeliveries.Add(float64(n))
}

func (m *Metrics) SetRelayQueueDepth(n int) {
	if m == nil {
		return
	}
	m.relayQueueDepth.Set(float64(n))
}

func (m *Metrics) SetHistorySize(n int) {
	if m == nil {
		return
	}
	m.historySize.Set(float64(n))
}
