// Package metrics exposes the pipeline's Prometheus collectors. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

const namespace = "telemetry"

// Metrics holds the registry and every collector the binaries report.
type Metrics struct {
	registry *prometheus.Registry

	received     *prometheus.CounterVec
	clients      prometheus.Gauge
	forwarded    prometheus.Counter
	dropped      *prometheus.CounterVec
	classified   *prometheus.CounterVec
	persisted    *prometheus.CounterVec
	storeLatency prometheus.Histogram
	deliveries   *prometheus.CounterVec
	connState    *prometheus.GaugeVec
	pruned       prometheus.Counter
}

// New creates a registry with the pipeline collectors plus Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingress", Name: "messages_total",
			Help: "Device publishes accepted by the ingress, by transport.",
		}, []string{"transport"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingress", Name: "clients",
			Help: "Currently connected MQTT clients.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "published_total",
			Help: "Raw messages confirmed by the events exchange.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "forwarder", Name: "dropped_total",
			Help: "Raw messages dropped by the forwarder, by reason.",
		}, []string{"reason"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "records_total",
			Help: "Records published by the classifier, by type.",
		}, []string{"type"}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persister", Name: "documents_total",
			Help: "Documents written to the store, by type.",
		}, []string{"type"}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "persister", Name: "write_seconds",
			Help:    "Store write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "deliveries_total",
			Help: "Queue deliveries by final disposition.",
		}, []string{"queue", "disposition"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rabbitmq", Name: "connection_state",
			Help: "1 for the current connection state of each component, 0 otherwise.",
		}, []string{"component", "state"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "pruned_total",
			Help: "Documents removed by the retention loop.",
		}),
	}

	m.registry.MustRegister(
		m.received, m.clients, m.forwarded, m.dropped, m.classified,
		m.persisted, m.storeLatency, m.deliveries, m.connState, m.pruned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// MessageReceived counts one accepted device publish.
func (m *Metrics) MessageReceived(transport string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(transport).Inc()
}

// ClientConnected tracks the connected-client gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

// ClientDisconnected tracks the connected-client gauge.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

// Forwarded counts one confirmed raw publish.
func (m *Metrics) Forwarded() {
	if m == nil {
		return
	}
	m.forwarded.Inc()
}

// Dropped counts one raw message lost in degraded mode.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Classified counts one record published by the classifier.
func (m *Metrics) Classified(t message.Type) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(string(t)).Inc()
}

// Persisted counts one stored document and its write latency.
func (m *Metrics) Persisted(t message.Type, took time.Duration) {
	if m == nil {
		return
	}
	m.persisted.WithLabelValues(string(t)).Inc()
	m.storeLatency.Observe(took.Seconds())
}

// Pruned counts documents removed by retention.
func (m *Metrics) Pruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

// Settled returns a callback that counts dispositions for queue.
func (m *Metrics) Settled(queue string) func(message.Disposition) {
	return func(d message.Disposition) {
		if m == nil {
			return
		}
		m.deliveries.WithLabelValues(queue, d.String()).Inc()
	}
}

// ConnectionState returns a callback that records the connection state of component.
// states lists every state name so the previous one can be cleared.
func (m *Metrics) ConnectionState(component string, states []string) func(state string) {
	return func(state string) {
		if m == nil {
			return
		}
		for _, s := range states {
			v := 0.0
			if s == state {
				v = 1
			}
			m.connState.WithLabelValues(component, s).Set(v)
		}
	}
}
