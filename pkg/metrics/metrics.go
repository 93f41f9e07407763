// Package metrics holds the Prometheus collectors for the bus and the auth
// bridge. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mqbus"

// Dispatch outcomes
const (
	OutcomeReplied  = "replied"
	OutcomeDeferred = "deferred"
	OutcomeHandled  = "handled"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Reply outcomes seen by the requesting side
const (
	ReplyOK         = "ok"
	ReplyError      = "error"
	ReplyTimeout    = "timeout"
	ReplyClosed     = "closed"
	ReplyUnknownTag = "unknown_tag"
)

// Metrics bundles every collector the bus exports
type Metrics struct {
	Dispatched  *prometheus.CounterVec
	Requests    prometheus.Counter
	Replies     *prometheus.CounterVec
	Pending     prometheus.Gauge
	Connections prometheus.Gauge
	Validations *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Inbound commands and requests by dispatch outcome.",
		}, []string{"category", "outcome"}),
		Requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Outbound requests registered with the correlator.",
		}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Resolved outbound requests by outcome.",
		}, []string{"outcome"}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a reply.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open transport connections.",
		}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "validations_total",
			Help:      "Auth bridge decisions by result.",
		}, []string{"result"}),
	}
}

// ObserveDispatch counts one dispatched envelope
func (m *Metrics) ObserveDispatch(category, outcome string) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(category, outcome).Inc()
}

// RequestSent counts a registered request and raises the pending gauge
func (m *Metrics) RequestSent() {
	if m == nil {
		return
	}
	m.Requests.Inc()
	m.Pending.Inc()
}

// RequestResolved records how a pending request ended and lowers the pending gauge
func (m *Metrics) RequestResolved(outcome string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(outcome).Inc()
	m.Pending.Dec()
}

// UnknownReply counts a reply whose tag matched nothing
func (m *Metrics) UnknownReply() {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(ReplyUnknownTag).Inc()
}

// ConnectionOpened raises the connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed lowers the connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// ObserveValidation counts one auth bridge decision
func (m *Metrics) ObserveValidation(result string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(result).Inc()
}
