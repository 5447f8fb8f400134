// ABOUTME: Prometheus instrumentation for the relay
// ABOUTME: All recording methods are nil-safe so components can run without metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_relay"

// Metrics holds every collector the relay exports.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	ActionsDispatched *prometheus.CounterVec
	ModeTransitions   *prometheus.CounterVec
	ResponderResults  *prometheus.CounterVec
	RoutingErrors     *prometheus.CounterVec
	TopicsCreated     prometheus.Counter
	TopicRacesLost    prometheus.Counter
	DuplicateMessages prometheus.Counter
	HandleDuration    *prometheus.HistogramVec
	SweepDuration     prometheus.Histogram
	registry          *prometheus.Registry
}

// New registers the relay collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := NewWithRegisterer(reg)
	m.registry = reg
	return m
}

// NewWithRegisterer registers the relay collectors on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by source",
		}, []string{"source"}),
		ActionsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dispatched_total",
			Help:      "Outbound actions executed, by kind and status",
		}, []string{"kind", "status"}),
		ModeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Conversation mode changes by target mode and reason",
		}, []string{"to", "reason"}),
		ResponderResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responder_results_total",
			Help:      "Automated responder outcomes",
		}, []string{"result"}),
		RoutingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_errors_total",
			Help:      "Routing failures by kind",
		}, []string{"kind"}),
		TopicsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topics_created_total",
			Help:      "Operator topics created",
		}),
		TopicRacesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_races_lost_total",
			Help:      "Topics created but discarded because another writer bound first",
		}),
		DuplicateMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Redelivered inbound messages skipped by the dedupe cache",
		}),
		HandleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time spent routing a single message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entry"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time taken by an inactivity sweep",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageReceived counts an inbound message from source ("user" or "operator").
func (m *Metrics) MessageReceived(source string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(source).Inc()
}

// ActionDispatched counts an executed action.
func (m *Metrics) ActionDispatched(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ActionsDispatched.WithLabelValues(kind, status).Inc()
}

// ModeTransition counts a mode change.
func (m *Metrics) ModeTransition(to, reason string) {
	if m == nil {
		return
	}
	m.ModeTransitions.WithLabelValues(to, reason).Inc()
}

// ResponderResult counts a responder outcome ("answered", "no_answer", "error").
func (m *Metrics) ResponderResult(result string) {
	if m == nil {
		return
	}
	m.ResponderResults.WithLabelValues(result).Inc()
}

// RoutingError counts a routing failure.
func (m *Metrics) RoutingError(kind string) {
	if m == nil {
		return
	}
	m.RoutingErrors.WithLabelValues(kind).Inc()
}

// TopicCreated counts a new operator topic.
func (m *Metrics) TopicCreated() {
	if m == nil {
		return
	}
	m.TopicsCreated.Inc()
}

// TopicRaceLost counts a topic discarded after losing the bind race.
func (m *Metrics) TopicRaceLost() {
	if m == nil {
		return
	}
	m.TopicRacesLost.Inc()
}

// DuplicateMessage counts a skipped redelivery.
func (m *Metrics) DuplicateMessage() {
	if m == nil {
		return
	}
	m.DuplicateMessages.Inc()
}

// ObserveHandle records how long routing took since start.
func (m *Metrics) ObserveHandle(entry string, start time.Time) {
	if m == nil {
		return
	}
	m.HandleDuration.WithLabelValues(entry).Observe(time.Since(start).Seconds())
}

// ObserveSweep records how long a sweep took since start.
func (m *Metrics) ObserveSweep(start time.Time) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(time.Since(start).Seconds())
}
