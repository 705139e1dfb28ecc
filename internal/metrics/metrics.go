// Package metrics exposes the sequencer's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sequencer"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	swapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enclave",
			Name:      "swaps_total",
			Help:      "Swap requests handled by the enclave, by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enclave",
			Name:      "queue_depth",
			Help:      "Intents waiting for the next batch.",
		},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enclave",
			Name:      "batches_total",
			Help:      "Flush attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enclave",
			Name:      "batch_size",
			Help:      "Number of intents per signed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Accepted transport connections, by command.",
		},
		[]string{"command"},
	)

	persistentReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "persistent_reconnects_total",
			Help:      "Reconnect attempts of the persistent channel.",
		},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "submissions_total",
			Help:      "Settlement transactions, by status.",
		},
		[]string{"status"},
	)

	gasFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "gas_fallbacks_total",
			Help:      "Submissions that used the fallback gas limit.",
		},
	)

	enclaveUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "enclave_up",
			Help:      "1 when the last enclave heartbeat succeeded.",
		},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		swapsTotal,
		queueDepth,
		batchesTotal,
		batchSize,
		connections,
		persistentReconnects,
		submissions,
		gasFallbacks,
		enclaveUp,
		httpInFlight,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordSwap(outcome string) { swapsTotal.WithLabelValues(outcome).Inc() }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// RecordBatch records a flush attempt. size is observed only on success.
func RecordBatch(outcome string, size int) {
	batchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "signed" {
		batchSize.Observe(float64(size))
	}
}

func RecordConnection(command string) { connections.WithLabelValues(command).Inc() }

func RecordReconnect() { persistentReconnects.Inc() }

func RecordSubmission(status string) { submissions.WithLabelValues(status).Inc() }

func RecordGasFallback() { gasFallbacks.Inc() }

func SetEnclaveUp(up bool) {
	if up {
		enclaveUp.Set(1)
		return
	}
	enclaveUp.Set(0)
}

func IncrementInFlight() { httpInFlight.Inc() }

func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
