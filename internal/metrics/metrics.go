// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	chunksStoredTotal          prometheus.Counter
	documentsSavedTotal        prometheus.Counter
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_tasks_total",
				Help: "Total number of background tasks handled, labeled by task and result.",
			},
			[]string{"task", "result"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_task_duration_seconds",
				Help:    "Histogram of task handler durations, labeled by task.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"task"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_webhook_deliveries_total",
				Help: "Total number of crawl webhook deliveries, labeled by event type.",
			},
			[]string{"type"},
		)

		chunksStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_chunks_stored_total",
				Help: "Total number of chunks written to the vector store.",
			},
		)

		documentsSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_documents_saved_total",
				Help: "Total number of crawled documents persisted.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask records one completed task execution.
func ObserveTask(task, result string, duration time.Duration) {
	tasksTotal.WithLabelValues(task, result).Inc()
	taskDurationSeconds.WithLabelValues(task).Observe(duration.Seconds())
}

// ObserveWebhookDelivery increments the webhook delivery counter.
func ObserveWebhookDelivery(eventType string) {
	webhookDeliveriesTotal.WithLabelValues(eventType).Inc()
}

// AddChunksStored adds to the stored chunk counter.
func AddChunksStored(n int) {
	chunksStoredTotal.Add(float64(n))
}

// AddDocumentsSaved adds to the saved document counter.
func AddDocumentsSaved(n int) {
	documentsSavedTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
