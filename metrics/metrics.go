// Package metrics exposes prometheus collectors for the sync layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors, registered on a private registry so
// multiple instances (e.g. in tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	MessagesIn        *prometheus.CounterVec
	Broadcasts        prometheus.Counter
	SweptSessions     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "docsync",
			Name:      "active_connections",
			Help:      "Number of websocket connections currently joined to a document.",
		}),
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "messages_in_total",
			Help:      "Inbound protocol messages by type.",
		}, []string{"type"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to document rooms.",
		}),
		SweptSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "swept_sessions_total",
			Help:      "Edit sessions marked disconnected by the stale sweep.",
		}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
