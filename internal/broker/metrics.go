package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/netosc/internal/envelope"
)

const metricsNamespace = "netosc"

// Metrics is a Prometheus observer for the relay. It registers on its own
// registry so tests and multiple brokers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	connected     prometheus.Gauge
	connects      prometheus.Counter
	subscriptions prometheus.Counter
	published     prometheus.Counter
	forwarded     prometheus.Counter
	unmatched     prometheus.Counter
	fanout        prometheus.Histogram
}

// NewMetrics creates the relay collectors plus the Go runtime and process
// collectors, all on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_clients",
			Help:      "Clients currently bound to a connection.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_connects_total",
			Help:      "Client sessions started.",
		}),
		subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscribe_envelopes_total",
			Help:      "Subscribe envelopes processed.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "published_messages_total",
			Help:      "OSC messages received from publishers.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forwarded_messages_total",
			Help:      "OSC message copies delivered to subscribers.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unmatched_messages_total",
			Help:      "Published messages no subscriber received.",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_recipients",
			Help:      "Subscribers reached per published message.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
	}

	m.registry.MustRegister(
		m.connected,
		m.connects,
		m.subscriptions,
		m.published,
		m.forwarded,
		m.unmatched,
		m.fanout,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the broker's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ClientConnected implements Observer.
func (m *Metrics) ClientConnected(string) {
	m.connected.Inc()
	m.connects.Inc()
}

// ClientSubscribed implements Observer.
func (m *Metrics) ClientSubscribed(string, []string) {
	m.subscriptions.Inc()
}

// MessageRelayed implements Observer.
func (m *Metrics) MessageRelayed(_, _ string, _ []envelope.Arg, recipients int) {
	m.published.Inc()
	m.forwarded.Add(float64(recipients))
	m.fanout.Observe(float64(recipients))
	if recipients == 0 {
		m.unmatched.Inc()
	}
}

// ClientDisconnected implements Observer.
func (m *Metrics) ClientDisconnected(string) {
	m.connected.Dec()
}
