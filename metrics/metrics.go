// Package metrics exposes the counters and gauges this transport emits,
// via github.com/prometheus/client_golang — a direct dependency of the
// teacher module (go.mod) not exercised by any file in the retrieval pack,
// given a home here per SPEC_FULL.md's domain-stack wiring.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every collector this module registers. Callers create
// one per process (or per ConnectionTable, if they run more than one) and
// pass it as conduit.Collaborators.Metrics.
type Registry struct {
	MessagesSent           *prometheus.CounterVec
	MessagesReceived       *prometheus.CounterVec
	AsyncConflatedMsgs     *prometheus.CounterVec
	AsyncQueueSizeExceeded *prometheus.CounterVec
	QueuedBytes            *prometheus.GaugeVec
	AckTimeouts            *prometheus.CounterVec
	SevereAlerts           *prometheus.CounterVec
}

// NewRegistry constructs and registers the collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "messages_sent_total",
			Help:      "Messages successfully written to the wire, per remote member.",
		}, []string{"remote"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "messages_received_total",
			Help:      "Messages dispatched after a successful parse or reassembly, per remote member.",
		}, []string{"remote"}),
		AsyncConflatedMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "async_conflated_messages_total",
			Help:      "Enqueued messages that replaced a still-pending entry of the same conflation key.",
		}, []string{"remote"}),
		AsyncQueueSizeExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "async_queue_size_exceeded_total",
			Help:      "Times the outgoing async queue crossed asyncMaxQueueSize, triggering a slow-receiver disconnect.",
		}, []string{"remote"}),
		QueuedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "async_queued_bytes",
			Help:      "Current byte total pending in the async outgoing queue.",
		}, []string{"remote"}),
		AckTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "ack_timeouts_total",
			Help:      "Times the ack-wait threshold was exceeded, by the ack-wait timer or a timed-out direct-ack read.",
		}, []string{"remote"}),
		SevereAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "severe_alerts_total",
			Help:      "Times the severe-alert timer fired.",
		}, []string{"remote"}),
	}

	reg.MustRegister(
		r.MessagesSent,
		r.MessagesReceived,
		r.AsyncConflatedMsgs,
		r.AsyncQueueSizeExceeded,
		r.QueuedBytes,
		r.AckTimeouts,
		r.SevereAlerts,
	)
	return r
}

// NewUnregistered builds a Registry backed by a throwaway
// prometheus.NewRegistry(), for callers (and tests) that don't want to
// touch the default global registry.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
