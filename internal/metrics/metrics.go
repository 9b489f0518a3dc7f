// Package metrics exports Prometheus collectors fed by the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
)

const namespace = "gqlstream"

// Metrics holds the collectors. Close detaches them from the bus.
type Metrics struct {
	reg prometheus.Gatherer

	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      prometheus.Histogram
	Operations        *prometheus.CounterVec
	OperationResults  prometheus.Counter
	ActiveConnections prometheus.Gauge
	Connections       *prometheus.CounterVec
	ActiveOperations  prometheus.Gauge
	ActiveListeners   *prometheus.GaugeVec
	Published         *prometheus.CounterVec

	unsubscribe []func()
}

// New registers the collectors on reg and subscribes them to bus.
func New(reg *prometheus.Registry, bus *eventbus.Bus) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by status code.",
		}, []string{"status"}),
		HTTPDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "GraphQL operations finished, by transport, type and outcome.",
		}, []string{"transport", "type", "outcome"}),
		OperationResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_results_total",
			Help:      "Results sent to WebSocket clients.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Open WebSocket connections.",
		}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "WebSocket connections accepted, by subprotocol.",
		}, []string{"subprotocol"}),
		ActiveOperations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_operations_active",
			Help:      "Operations running on WebSocket connections.",
		}),
		ActiveListeners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pubsub_listeners_active",
			Help:      "Listeners registered on the event channel, by topic.",
		}, []string{"topic"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pubsub_published_total",
			Help:      "Payloads published, by topic and result.",
		}, []string{"topic", "result"}),
	}

	m.unsubscribe = []func(){
		eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
			m.HTTPRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
			m.HTTPDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.GraphQLFinish) {
			outcome := events.OutcomeComplete
			if len(e.Errors) > 0 {
				outcome = events.OutcomeError
			}
			m.Operations.WithLabelValues("http", e.OperationType, outcome).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.WSConnectionStart) {
			m.ActiveConnections.Inc()
			m.Connections.WithLabelValues(e.Subprotocol).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.WSConnectionFinish) {
			m.ActiveConnections.Dec()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.WSOperationStart) {
			m.ActiveOperations.Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.WSOperationFinish) {
			m.ActiveOperations.Dec()
			m.Operations.WithLabelValues("websocket", e.OperationType, e.Outcome).Inc()
			m.OperationResults.Add(float64(e.Results))
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.PubSubSubscribe) {
			m.ActiveListeners.WithLabelValues(e.Topic).Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.PubSubUnsubscribe) {
			m.ActiveListeners.WithLabelValues(e.Topic).Dec()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.PubSubPublish) {
			result := "ok"
			if e.Err != nil {
				result = "error"
			}
			m.Published.WithLabelValues(e.Topic, result).Inc()
		}),
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Close() {
	for _, u := range m.unsubscribe {
		u()
	}
	m.unsubscribe = nil
}
