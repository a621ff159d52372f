package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_received_total",
			Help: "Total number of envelopes received",
		},
		[]string{"endpoint"},
	)

	EnvelopeBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_envelope_bytes_received_total",
			Help: "Total bytes of envelope data received",
		},
	)

	// Admission metrics
	AdmissionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admissions_rejected_total",
			Help: "Total number of admission rejections by reason",
		},
		[]string{"reason"},
	)

	// RateLimitHits deliberately carries no per-key label: public keys are
	// unbounded and would blow up series cardinality.
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total number of edge rate limit hits",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Current depth of the admission queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_capacity",
			Help: "Maximum capacity of the admission queue",
		},
	)

	EnvelopesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_envelopes_expired_total",
			Help: "Total number of envelopes dropped after expiring in the queue",
		},
	)

	// Processing metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	MetricBucketsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_metric_buckets_extracted_total",
			Help: "Total number of metric buckets derived from payloads",
		},
	)

	// Dispatch metrics
	EnvelopesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_dispatched_total",
			Help: "Total number of envelopes dispatched by target",
		},
		[]string{"target"},
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_errors_total",
			Help: "Total number of dispatch failures by target",
		},
		[]string{"target"},
	)
)
