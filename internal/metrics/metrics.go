package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors shared across the pipeline.
// All methods are nil-safe so wiring can leave metrics off.
type Metrics struct {
	registry        *prometheus.Registry
	eventsIngested  *prometheus.CounterVec
	duplicateEvents prometheus.Counter
	alertsEnqueued  prometheus.Counter
	alertsBroadcast prometheus.Counter
	overlayClients  prometheus.Gauge
	overlayEvicted  prometheus.Counter
	commandsRun     *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "events_ingested_total",
			Help:      "Normalized events received per source and type",
		}, []string{"source", "type"}),
		duplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "duplicate_events_total",
			Help:      "Notices dropped by the dedup filter",
		}),
		alertsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "alerts_enqueued_total",
			Help:      "Alerts appended to the queue",
		}),
		alertsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "alerts_broadcast_total",
			Help:      "Alerts delivered to the overlay fan-out",
		}),
		overlayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "alertbot",
			Name:      "overlay_clients",
			Help:      "Currently connected overlay clients",
		}),
		overlayEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "overlay_evictions_total",
			Help:      "Overlay clients evicted for send failure or stale pong",
		}),
		commandsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "commands_total",
			Help:      "Chat commands executed by name",
		}, []string{"command"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alertbot",
			Name:      "socket_reconnects_total",
			Help:      "Reconnect attempts per socket client",
		}, []string{"client"}),
	}

	registry.MustRegister(
		m.eventsIngested,
		m.duplicateEvents,
		m.alertsEnqueued,
		m.alertsBroadcast,
		m.overlayClients,
		m.overlayEvicted,
		m.commandsRun,
		m.reconnects,
	)
	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncEventsIngested(source, eventType string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(source, eventType).Inc()
}

func (m *Metrics) IncDuplicateEvents() {
	if m == nil {
		return
	}
	m.duplicateEvents.Inc()
}

func (m *Metrics) IncAlertsEnqueued() {
	if m == nil {
		return
	}
	m.alertsEnqueued.Inc()
}

func (m *Metrics) IncAlertsBroadcast() {
	if m == nil {
		return
	}
	m.alertsBroadcast.Inc()
}

func (m *Metrics) AddOverlayClients(delta float64) {
	if m == nil {
		return
	}
	m.overlayClients.Add(delta)
}

func (m *Metrics) IncOverlayEvicted() {
	if m == nil {
		return
	}
	m.overlayEvicted.Inc()
}

func (m *Metrics) IncCommandsRun(command string) {
	if m == nil {
		return
	}
	m.commandsRun.WithLabelValues(command).Inc()
}

func (m *Metrics) IncReconnects(client string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(client).Inc()
}
