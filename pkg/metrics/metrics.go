// Package metrics exposes Prometheus instrumentation for the
// write-consistency protocol: store I/O, membership I/O, latch waits,
// and event-subscription health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	ProtocolOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metasync_protocol_outcomes_total",
			Help: "Total number of completed protocol runs by outcome",
		},
		[]string{"outcome"}, // proceed, abort
	)

	ProtocolDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metasync_protocol_duration_seconds",
			Help:    "End-to-end duration of runConsistencyProtocol",
			Buckets: prometheus.DefBuckets,
		},
	)

	LatchWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metasync_latch_wait_duration_seconds",
			Help:    "Time spent blocked in latch.await",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingPeersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "metasync_pending_peers",
			Help: "Sum of pending-set sizes across in-flight coordinators",
		},
	)

	AcksReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metasync_acks_received_total",
			Help: "Total number of peer acknowledgements applied to a latch",
		},
	)

	PeerDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metasync_peer_drops_total",
			Help: "Total number of pending peers removed via membership reconciliation",
		},
	)

	ProtocolViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metasync_protocol_violations_total",
			Help: "Total number of ACK events observed for a peer not in the pending set",
		},
	)

	// ACK store metrics
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metasync_store_op_duration_seconds",
			Help:    "Duration of ACK store operations against the Shared Store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // insert_acks, delete_acks, insert_invalidations, update_ack, get_pending_acks
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metasync_store_errors_total",
			Help: "Total number of ACK store operation failures",
		},
		[]string{"op"},
	)

	// Membership metrics
	MembershipOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metasync_membership_op_duration_seconds",
			Help:    "Duration of Membership Service operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // connect, list_members, join_group
	)

	SessionLossTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metasync_session_loss_total",
			Help: "Total number of Membership Service session losses observed",
		},
	)

	// Event subscriber metrics
	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metasync_events_delivered_total",
			Help: "Total number of change events dispatched to listeners",
		},
		[]string{"event_name", "kind"},
	)

	SubscriptionReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metasync_subscription_reconnects_total",
			Help: "Total number of Event Subscriber reconnect attempts",
		},
		[]string{"event_name"},
	)

	SubscriptionHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metasync_subscription_healthy",
			Help: "Whether an event subscription's change stream is currently established (1) or not (0)",
		},
		[]string{"event_name"},
	)
)

func init() {
	prometheus.MustRegister(
		ProtocolOutcomesTotal,
		ProtocolDuration,
		LatchWaitDuration,
		PendingPeersGauge,
		AcksReceivedTotal,
		PeerDropsTotal,
		ProtocolViolationsTotal,
		StoreOpDuration,
		StoreErrorsTotal,
		MembershipOpDuration,
		SessionLossTotal,
		EventsDeliveredTotal,
		SubscriptionReconnectsTotal,
		SubscriptionHealthy,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
