package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "meme"
	subsystem = "generator"
)

var (
	constLabels = prometheus.Labels{"service": "meme_generator"}
	buckets     = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
)

// Meme generator metrics
var (
	// Accepted requests (decoded successfully)
	RequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_total",
			Help:        "Total number of meme generation requests accepted",
			ConstLabels: constLabels,
		},
	)

	SuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "success_total",
			Help:        "Total number of requests answered with an image",
			ConstLabels: constLabels,
		},
		[]string{"source"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "errors_total",
			Help:        "Total number of requests answered with an error",
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)

	MalformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "malformed_total",
			Help:        "Total number of undecodable messages dropped",
			ConstLabels: constLabels,
		},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_hits_total",
			Help:        "Total cache hits",
			ConstLabels: constLabels,
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_misses_total",
			Help:        "Total cache misses",
			ConstLabels: constLabels,
		},
	)

	CacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_errors_total",
			Help:        "Total cache operation failures",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	PublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "publish_errors_total",
			Help:        "Total response publications that failed after retries",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)

	RedeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "redeliveries_total",
			Help:        "Total messages received with a delivery count above one",
			ConstLabels: constLabels,
		},
	)

	ReceiveErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "receive_errors_total",
			Help:        "Total transport errors while fetching messages",
			ConstLabels: constLabels,
		},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "in_flight",
			Help:        "Requests currently being processed",
			ConstLabels: constLabels,
		},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "processing_duration_seconds",
			Help:        "End to end request processing duration in seconds",
			Buckets:     buckets,
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "generation_duration_seconds",
			Help:        "Inference backend call duration in seconds",
			Buckets:     buckets,
			ConstLabels: constLabels,
		},
		[]string{"tier"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an accepted request
func RecordRequest() {
	RequestsTotal.Inc()
}

// RecordMalformed records a dropped poison message
func RecordMalformed() {
	MalformedTotal.Inc()
}

// RecordRedelivery records a message seen more than once
func RecordRedelivery() {
	RedeliveriesTotal.Inc()
}

// RecordReceiveError records a failed fetch from the subscription
func RecordReceiveError() {
	ReceiveErrorsTotal.Inc()
}

// RecordSuccess records a published result; source is "cache" or "generated"
func RecordSuccess(source string) {
	SuccessTotal.WithLabelValues(source).Inc()
}

// RecordError records a published failure for the stage that failed
func RecordError(stage string) {
	ErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordCacheError records a failed cache get or set
func RecordCacheError(operation string) {
	CacheErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordPublishError records a publication that exhausted its retries
func RecordPublishError(kind string) {
	PublishErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordProcessing records end to end processing time
func RecordProcessing(outcome string, durationSec float64) {
	ProcessingDuration.WithLabelValues(outcome).Observe(durationSec)
}

// RecordGeneration records backend call time
func RecordGeneration(tier string, durationSec float64) {
	GenerationDuration.WithLabelValues(tier).Observe(durationSec)
}
