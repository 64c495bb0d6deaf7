package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Listener
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgnotify_notifications_received_total",
			Help: "Notifications received on the LISTEN connection",
		},
		[]string{"channel"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgnotify_notifications_dropped_total",
			Help: "Notifications dropped before reaching a handler",
		},
		[]string{"reason"}, // "malformed", "unknown_channel", "invalid_payload"
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgnotify_handler_errors_total",
			Help: "Cache handler invocations that returned an error or panicked",
		},
		[]string{"channel"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgnotify_handler_duration_seconds",
			Help:    "Cache handler latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgnotify_reconnect_attempts_total",
			Help: "Attempts to re-establish the LISTEN connection",
		},
	)

	ListenerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgnotify_listener_running",
			Help: "1 when the LISTEN connection is established",
		},
	)

	// SSE
	SSEClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connected_clients",
			Help: "Open SSE streams on this process",
		},
	)

	SSEEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_published_total",
			Help: "Events published on the shared pub/sub channel",
		},
		[]string{"type"},
	)

	SSEPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_publish_errors_total",
			Help: "Failed or short-circuited publishes",
		},
	)

	SSEEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_delivered_total",
			Help: "Events written to client streams",
		},
		[]string{"type"},
	)

	SSEEventsFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_events_filtered_total",
			Help: "Events withheld from a stream by audience filtering",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
