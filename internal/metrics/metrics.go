package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_sessions_active",
			Help: "Currently live sessions",
		},
	)

	ParticipantsJoined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_participants_joined_total",
			Help: "Total participants joined",
		},
		[]string{"type"}, // "human" or "agent"
	)

	// Routing metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_messages_routed_total",
			Help: "Total inbound messages routed",
		},
		[]string{"type"},
	)

	RoutingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_routing_errors_total",
			Help: "Total handler failures converted to protocol errors",
		},
		[]string{"code"},
	)

	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tandem_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	// Gate metrics
	GatesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_gates_opened_total",
			Help: "Total approval gates created",
		},
	)

	GatesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_gates_resolved_total",
			Help: "Total gates resolved",
		},
		[]string{"outcome"}, // "approved", "rejected", "expired"
	)

	// Tool metrics
	ToolsProposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_tools_proposed_total",
			Help: "Total tool proposals",
		},
		[]string{"category"},
	)

	ToolsAutoApproved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_tools_auto_approved_total",
			Help: "Total proposals executed without a gate",
		},
	)

	BatchesSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_batches_settled_total",
			Help: "Total tool batches settled",
		},
		[]string{"outcome"}, // "completed" or "interrupted"
	)

	// Infrastructure metrics
	ArchiveLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tandem_archive_latency_seconds",
			Help:    "Transcript archive write latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)

	BlobLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tandem_blob_latency_seconds",
			Help:    "Content store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
