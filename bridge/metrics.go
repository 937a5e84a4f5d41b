package bridge

import (
	"github.com/elly2178/lc2-curapacs/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the bridge
type Metrics struct {
	messagesReceived  *prometheus.CounterVec
	messagesHandled   *prometheus.CounterVec
	messagesSent      prometheus.Counter
	ingressMessages   prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	reconnectAttempts prometheus.Counter
	errorsTotal       *prometheus.CounterVec
}

// newMetrics creates and registers bridge metrics
func newMetrics(registry *metric.Registry, componentName string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_received_total",
			Help:      "Envelopes received over the websocket link",
		}, []string{"type"}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_handled_total",
			Help:      "Inbound envelopes successfully handled",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "messages_sent_total",
			Help:      "Envelopes written to the websocket link",
		}),
		ingressMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "ingress_messages_total",
			Help:      "Envelopes accepted on the unix ingress socket",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "connections_active",
			Help:      "Active websocket connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "connections_total",
			Help:      "Websocket connections accepted or established",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts against the parent (client role)",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bridge",
			Name:      "errors_total",
			Help:      "Bridge errors by type",
		}, []string{"type"}),
	}

	registry.MustRegister(componentName, "messages_received", m.messagesReceived)
	registry.MustRegister(componentName, "messages_handled", m.messagesHandled)
	registry.MustRegister(componentName, "messages_sent", m.messagesSent)
	registry.MustRegister(componentName, "ingress_messages", m.ingressMessages)
	registry.MustRegister(componentName, "connections_active", m.connectionsActive)
	registry.MustRegister(componentName, "connections_total", m.connectionsTotal)
	registry.MustRegister(componentName, "reconnect_attempts", m.reconnectAttempts)
	registry.MustRegister(componentName, "errors_total", m.errorsTotal)
	return m
}
