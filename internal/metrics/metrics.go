// Package metrics provides Prometheus metrics for kycstream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kycstream"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Connection metrics
var (
	// ConnectionsActive tracks registered stream connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections_active",
			Help:      "Number of active stream connections",
		},
	)

	// ConnectionsClosedTotal counts closed connections by close code.
	ConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections_closed_total",
			Help:      "Total stream connections closed, by close code",
		},
		[]string{"code"}, // auth_failed, stale_timeout, client_closed, server_error, server_shutdown
	)

	// SubjectsActive tracks subjects with at least one connection.
	SubjectsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subjects_active",
			Help:      "Number of subjects with at least one live connection",
		},
	)

	// SoftCapExceededTotal counts registrations beyond the per-subject soft cap.
	SoftCapExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "soft_cap_exceeded_total",
			Help:      "Registrations that exceeded the per-subject soft connection cap",
		},
	)

	// StaleEvictionsTotal counts connections closed by the heartbeat sweep.
	StaleEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "stale_evictions_total",
			Help:      "Connections closed after exceeding the stale threshold",
		},
	)

	// SweepDuration tracks heartbeat sweep latency.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "sweep_duration_seconds",
			Help:      "Heartbeat sweep latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)
)

// Alert flow metrics
var (
	// AlertsPublishedTotal counts alerts accepted by Publish.
	AlertsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "published_total",
			Help:      "Total alerts accepted for broadcast",
		},
	)

	// AlertsDeliveredTotal counts alerts handed to connection outboxes.
	AlertsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "delivered_total",
			Help:      "Total alerts enqueued to connections",
		},
	)

	// AlertsFilteredTotal counts alerts withheld by connection filters.
	AlertsFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "filtered_total",
			Help:      "Total alerts withheld by connection filters",
		},
	)

	// AlertsDroppedTotal counts alerts dropped by slow-consumer handling.
	AlertsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "dropped_total",
			Help:      "Total outbound messages dropped due to a full connection buffer",
		},
		[]string{"policy"},
	)

	// DeliveryFailuresTotal counts transport write failures.
	DeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "delivery_failures_total",
			Help:      "Total failed deliveries that unregistered a connection",
		},
	)

	// PublishDuration tracks Publish latency.
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "publish_duration_seconds",
			Help:      "Publish fan-out latency in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)
)

// Queue metrics
var (
	// QueueEvictionsTotal counts alerts evicted from full subject queues.
	QueueEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Total alerts evicted from subject replay queues",
		},
	)

	// QueueSubjects tracks subjects holding a replay queue.
	QueueSubjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "subjects",
			Help:      "Number of subjects holding a replay queue",
		},
	)

	// QueueReleasedTotal counts queues freed by the retention sweep.
	QueueReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "released_total",
			Help:      "Total subject queues released after the retention window",
		},
	)
)

// Command metrics
var (
	// CommandsTotal counts inbound client commands by type and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total inbound client commands",
		},
		[]string{"type", "result"}, // result: ok, invalid, unknown, rate_limited, busy, error
	)
)

// Ingest metrics
var (
	// IngestMessagesTotal counts alert messages received from ingest sources.
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Total alert messages received from ingest sources",
		},
		[]string{"source", "result"}, // result: ok, decode_error, rejected
	)
)

// Auth metrics
var (
	// AuthAttemptsTotal counts handshake authentication attempts.
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total handshake authentication attempts",
		},
		[]string{"result"}, // success, failure, locked
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
