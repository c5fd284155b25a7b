// Package metrics exposes the coordination counters as prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultFailed  = "failed"
	ResultUnknown = "unknown"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	registrations     *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	heartbeatsExpired *prometheus.CounterVec
	elections         *prometheus.CounterVec
	electionsEmpty    *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	healthCheck       prometheus.Histogram
}

// New registers the collectors on a private registry under namespace
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Node registrations by node type and result.",
		}, []string{"node_type", "result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats recorded by node type.",
		}, []string{"node_type"}),
		heartbeatsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_expired_total",
			Help:      "Nodes flipped to offline by the health check.",
		}, []string{"node_type"}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Leadership changes by node type and reason.",
		}, []string{"node_type", "reason"}),
		electionsEmpty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_empty_total",
			Help:      "Elections that found no active candidate.",
		}, []string{"node_type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Mailbox messages written by type.",
		}, []string{"message_type"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Mailbox messages handled by type and result.",
		}, []string{"message_type", "result"}),
		healthCheck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of one health check scan.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.registrations,
		m.heartbeats,
		m.heartbeatsExpired,
		m.elections,
		m.electionsEmpty,
		m.messagesSent,
		m.messagesProcessed,
		m.healthCheck,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registration(nodeType, result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(nodeType, result).Inc()
}

func (m *Metrics) Heartbeat(nodeType string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) HeartbeatExpired(nodeType string) {
	if m == nil {
		return
	}
	m.heartbeatsExpired.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) Election(nodeType, reason string) {
	if m == nil {
		return
	}
	m.elections.WithLabelValues(nodeType, reason).Inc()
}

func (m *Metrics) ElectionEmpty(nodeType string) {
	if m == nil {
		return
	}
	m.electionsEmpty.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) MessageSent(messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) MessageProcessed(messageType, result string) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(messageType, result).Inc()
}

// ObserveHealthCheck records the duration since start
func (m *Metrics) ObserveHealthCheck(start time.Time) {
	if m == nil {
		return
	}
	m.healthCheck.Observe(time.Since(start).Seconds())
}
