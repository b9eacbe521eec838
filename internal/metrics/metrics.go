package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (control API)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peersync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Messaging metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_messages_sent_total",
			Help: "Direct message send attempts by outcome",
		},
		[]string{"outcome"}, // "delivered", "queued"
	)

	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_messages_received_total",
			Help: "Direct messages received",
		},
	)

	DecryptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_decrypt_failures_total",
			Help: "Messages stored with a decryption-failure placeholder",
		},
	)

	// Friend graph metrics
	FriendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_friend_requests_total",
			Help: "Friend request workflow transitions",
		},
		[]string{"action"}, // "sent", "received", "accepted", "rejected", "expired"
	)

	// Outbox metrics
	OutboxQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_outbox_queued_total",
			Help: "Items queued for offline recipients",
		},
	)

	OutboxFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_outbox_flushed_total",
			Help: "Queued items delivered on flush",
		},
	)

	OutboxFlushAborts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_outbox_flush_aborts_total",
			Help: "Flushes aborted at the first failed send",
		},
	)

	// Reconciliation metrics
	ReconcileItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peersync_reconcile_items_total",
			Help: "Missed-content items ingested during reconciliation",
		},
		[]string{"kind"}, // "message", "post"
	)

	// Liveness metrics
	PingsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_pings_sent_total",
			Help: "Liveness pings transmitted",
		},
	)

	PongsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_pongs_received_total",
			Help: "Liveness pongs observed",
		},
	)

	PeerTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peersync_peer_timeouts_total",
			Help: "Peers marked offline after a missed pong grace period",
		},
	)
)
