// Package obsmetrics holds CLASP's Prometheus collectors, grounded on
// the teacher's metrics.go package-level var block + init-time
// MustRegister convention.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics.
	SessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clasp_sessions_connected",
		Help: "Current number of connected Router sessions",
	})

	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clasp_sessions_total",
		Help: "Total number of sessions ever established",
	})

	HandshakeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_handshake_failures_total",
		Help: "Handshake rejections by reason",
	}, []string{"reason"})

	SessionsDisconnectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_sessions_disconnected_total",
		Help: "Session teardowns by reason",
	}, []string{"reason"})

	// Message metrics.
	MessagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_messages_received_total",
		Help: "Inbound messages dispatched, by message type",
	}, []string{"type"})

	MessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_messages_sent_total",
		Help: "Outbound messages sent, by message type",
	}, []string{"type"})

	BroadcastSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_broadcast_sends_total",
		Help: "Non-blocking subscriber sends by outcome (ok, dropped)",
	}, []string{"outcome"})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clasp_rate_limited_total",
		Help: "Messages rejected by the per-session rate limiter and connections rejected by the connection rate limiter",
	})

	// State Store metrics.
	StoreApplySetTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_store_apply_set_total",
		Help: "apply_set outcomes by result (ok, lock_held, revision_conflict, out_of_range)",
	}, []string{"result"})

	StoreAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clasp_store_addresses",
		Help: "Number of distinct addresses currently held in the State Store",
	})

	// Gesture Registry metrics.
	GesturesCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clasp_gestures_coalesced_total",
		Help: "MOVE-phase frames coalesced away rather than forwarded individually",
	})

	GesturesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clasp_gestures_active",
		Help: "Currently buffered (address, gesture_id) entries",
	})

	// Bundle metrics.
	BundleResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_bundle_result_total",
		Help: "Bundle two-phase apply outcomes (applied, rejected)",
	}, []string{"result"})

	// Worker pool metrics.
	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clasp_worker_queue_depth",
		Help: "Current broadcast worker pool queue depth",
	})

	WorkerTasksDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clasp_worker_tasks_dropped_total",
		Help: "Broadcast tasks dropped because the worker pool queue was full",
	})

	// Clock sync metrics.
	ClockOffsetMicroseconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clasp_clock_offset_microseconds",
		Help: "Last estimated clock offset to a peer, by peer session id",
	}, []string{"session"})

	// Bridge metrics.
	BridgeMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clasp_bridge_messages_total",
		Help: "Messages bridged in from an external system, by bridge and outcome",
	}, []string{"bridge", "outcome"})
)

func init() {
	prometheus.MustRegister(SessionsConnected)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(HandshakeFailuresTotal)
	prometheus.MustRegister(SessionsDisconnectedTotal)

	prometheus.MustRegister(MessagesReceivedTotal)
	prometheus.MustRegister(MessagesSentTotal)
	prometheus.MustRegister(BroadcastSendsTotal)
	prometheus.MustRegister(RateLimitedTotal)

	prometheus.MustRegister(StoreApplySetTotal)
	prometheus.MustRegister(StoreAddresses)

	prometheus.MustRegister(GesturesCoalescedTotal)
	prometheus.MustRegister(GesturesActive)

	prometheus.MustRegister(BundleResultTotal)

	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(WorkerTasksDroppedTotal)

	prometheus.MustRegister(ClockOffsetMicroseconds)

	prometheus.MustRegister(BridgeMessagesTotal)
}

// Handler returns the promhttp handler for a metrics endpoint, mirroring
// the teacher's /metrics wiring.
func Handler() http.Handler {
	return promhttp.Handler()
}
