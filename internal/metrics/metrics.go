// Package metrics provides Prometheus metrics for filebridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_operations_total",
			Help: "Total number of backend operations by outcome",
		},
		[]string{"backend", "op", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebridge_operation_duration_seconds",
			Help:    "Backend operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_bytes_transferred_total",
			Help: "Bytes moved between backends",
		},
		[]string{"direction"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_retry_attempts_total",
			Help: "Retries performed after a retryable failure",
		},
		[]string{"kind"},
	)

	// Resilience metrics
	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filebridge_circuit_state",
			Help: "Circuit breaker state per key (0=closed, 1=open, 2=half_open)",
		},
		[]string{"key"},
	)

	rateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebridge_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"identity"},
	)

	// Pool metrics
	poolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filebridge_pool_connections",
			Help: "Pooled connections by key and state",
		},
		[]string{"key", "state"},
	)

	poolDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_pool_dials_total",
			Help: "Connections dialed by the pool",
		},
		[]string{"key", "status"},
	)

	// Cache metrics
	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"cache", "result"},
	)

	cacheBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filebridge_cache_bytes",
			Help: "Bytes held by the cache",
		},
		[]string{"cache"},
	)

	cacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filebridge_cache_entries",
			Help: "Entries held by the cache",
		},
		[]string{"cache"},
	)

	// Offline queue metrics
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filebridge_queue_depth",
			Help: "Pending operations by status",
		},
		[]string{"status"},
	)

	queueReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebridge_queue_replays_total",
			Help: "Replayed pending operations by outcome",
		},
		[]string{"outcome"},
	)

	resourceHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "filebridge_resource_health",
			Help: "Resource health (0=healthy, 1=degraded, 2=unhealthy)",
		},
		[]string{"resource"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one orchestrated call.
func RecordOperation(backend, op, outcome string, duration time.Duration) {
	operationsTotal.WithLabelValues(backend, op, outcome).Inc()
	operationDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordBytes adds transferred bytes. direction is "download", "upload" or
// "copy".
func RecordBytes(direction string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordRetry counts a retry for an error kind.
func RecordRetry(kind string) {
	retryAttempts.WithLabelValues(kind).Inc()
}

// SetCircuitState exports the breaker state of a key.
func SetCircuitState(key string, state int) {
	circuitState.WithLabelValues(key).Set(float64(state))
}

// RecordRateLimitWait records the time spent waiting for a token.
func RecordRateLimitWait(identity string, wait time.Duration) {
	rateLimitWait.WithLabelValues(identity).Observe(wait.Seconds())
}

// SetPoolConnections sets idle and in-use connection counts of a key.
func SetPoolConnections(key string, idle, inUse int) {
	poolConnections.WithLabelValues(key, "idle").Set(float64(idle))
	poolConnections.WithLabelValues(key, "in_use").Set(float64(inUse))
}

// RecordDial counts a dial attempt.
func RecordDial(key string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	poolDials.WithLabelValues(key, status).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequests.WithLabelValues(cache, result).Inc()
}

// SetCacheSize sets the bytes and entry count held by a cache.
func SetCacheSize(cache string, bytes int64, entries int) {
	cacheBytes.WithLabelValues(cache).Set(float64(bytes))
	cacheEntries.WithLabelValues(cache).Set(float64(entries))
}

// SetQueueDepth sets the number of operations in a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// RecordReplay counts a replayed operation.
func RecordReplay(outcome string) {
	queueReplays.WithLabelValues(outcome).Inc()
}

// SetResourceHealth exports a resource health level.
func SetResourceHealth(resource string, level int) {
	resourceHealth.WithLabelValues(resource).Set(float64(level))
}
