// Package metrics provides Prometheus metrics for the builder score service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Ingestion
	deliveries         *prometheus.CounterVec
	activitiesIngested *prometheus.CounterVec
	activitiesDup      prometheus.Counter

	// Attribution
	pendingAttribution prometheus.Counter
	catchUpApplied     prometheus.Counter

	// Ledger
	ledgerEntries      *prometheus.CounterVec
	ledgerNoops        prometheus.Counter
	ledgerRetries      prometheus.Counter
	ledgerExhausted    prometheus.Counter
	scoreApplyLatency  prometheus.Histogram
	activitiesRejected prometheus.Counter

	// Nominations
	nominations *prometheus.CounterVec

	// Leaderboard
	leaderboardRepositions prometheus.Counter
	leaderboardSize        prometheus.Gauge
	leaderboardQueryLat    prometheus.Histogram
	snapshots              prometheus.Counter

	// Queue
	queueSize     prometheus.Gauge
	queueCapacity prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueRejected prometheus.Counter

	// Workers
	workerCount      prometheus.Gauge
	workerLatency    prometheus.Histogram
	workerErrors     prometheus.Counter
	chatStreamErrors prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "builderscore",
		subsystem:        "engine",
		histogramBuckets: LatencyBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.deliveries = m.counterVec("deliveries_total",
		"Inbound deliveries by channel and outcome", "channel", "outcome")
	m.activitiesIngested = m.counterVec("activities_ingested_total",
		"Activities accepted for scoring by source", "source")
	m.activitiesDup = m.counter("activities_duplicate_total",
		"Activities dropped because (source, source event id) was already seen")

	m.pendingAttribution = m.counter("activities_pending_attribution_total",
		"Activities parked because their author is not linked to a builder yet")
	m.catchUpApplied = m.counter("activities_catch_up_total",
		"Parked activities scored after their author was linked")

	m.ledgerEntries = m.counterVec("ledger_entries_total",
		"Ledger entries appended by kind", "kind")
	m.ledgerNoops = m.counter("ledger_noop_total",
		"Score applications skipped because the activity was already in the ledger")
	m.ledgerRetries = m.counter("ledger_contention_retries_total",
		"Builder lock acquisitions retried after timing out")
	m.ledgerExhausted = m.counter("ledger_contention_exhausted_total",
		"Score applications abandoned after exhausting lock retries")
	m.scoreApplyLatency = m.histogram("score_apply_latency_milliseconds",
		"Latency of a single ledger application in milliseconds")
	m.activitiesRejected = m.counter("activities_rejected_total",
		"Activities rejected because their builder is deactivated")

	m.nominations = m.counterVec("nominations_total",
		"Nomination attempts by outcome", "outcome")

	m.leaderboardRepositions = m.counter("leaderboard_repositions_total",
		"Builders repositioned in the leaderboard index")
	m.leaderboardSize = m.gauge("leaderboard_size",
		"Builders currently ranked")
	m.leaderboardQueryLat = m.histogram("leaderboard_query_latency_milliseconds",
		"Leaderboard query latency in milliseconds")
	m.snapshots = m.counter("leaderboard_snapshots_total",
		"Leaderboard snapshots captured")

	m.queueSize = m.gauge("queue_size", "Current size of the activity queue")
	m.queueCapacity = m.gauge("queue_capacity", "Configured activity queue capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Activities enqueued for scoring")
	m.queueRejected = m.counter("queue_rejected_total", "Enqueue attempts rejected by backpressure")

	m.workerCount = m.gauge("worker_count", "Scoring workers running")
	m.workerLatency = m.histogram("worker_processing_latency_milliseconds",
		"Time for a worker to resolve and score one activity")
	m.workerErrors = m.counter("worker_errors_total", "Worker processing failures")
	m.chatStreamErrors = m.counter("chat_stream_errors_total", "Chat stream messages that failed to dispatch")

	m.httpRequests = m.counterVec("http_requests_total",
		"HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_milliseconds",
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = m.counterVec("errors_total",
		"Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Average GC pause in milliseconds")
}

// Ingestion.

// RecordDelivery counts an inbound delivery (channel: webhook, command, stream).
func RecordDelivery(channel, outcome string) {
	globalManager.deliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordActivityIngested counts a newly stored activity.
func RecordActivityIngested(source string) {
	globalManager.activitiesIngested.WithLabelValues(source).Inc()
}

// RecordActivityDuplicate counts a replayed activity.
func RecordActivityDuplicate() {
	globalManager.activitiesDup.Inc()
}

// Attribution.

// RecordPendingAttribution counts an activity parked for later attribution.
func RecordPendingAttribution() {
	globalManager.pendingAttribution.Inc()
}

// RecordCatchUp counts a parked activity scored after linking.
func RecordCatchUp(n int) {
	globalManager.catchUpApplied.Add(float64(n))
}

// Ledger.

// RecordLedgerEntry counts an appended entry ("apply" or "correction").
func RecordLedgerEntry(kind string) {
	globalManager.ledgerEntries.WithLabelValues(kind).Inc()
}

// RecordLedgerNoop counts an idempotent replay.
func RecordLedgerNoop() {
	globalManager.ledgerNoops.Inc()
}

// RecordLedgerRetry counts a lock acquisition retry.
func RecordLedgerRetry() {
	globalManager.ledgerRetries.Inc()
}

// RecordLedgerExhausted counts an application that ran out of retries.
func RecordLedgerExhausted() {
	globalManager.ledgerExhausted.Inc()
}

// RecordScoreApplyLatency records how long one application took.
func RecordScoreApplyLatency(latencyMs float64) {
	globalManager.scoreApplyLatency.Observe(latencyMs)
}

// RecordActivityRejected counts an activity resolved to a deactivated builder.
func RecordActivityRejected() {
	globalManager.activitiesRejected.Inc()
}

// Nominations.

// RecordNomination counts a nomination attempt by outcome.
func RecordNomination(outcome string) {
	globalManager.nominations.WithLabelValues(outcome).Inc()
}

// Leaderboard.

// RecordLeaderboardReposition counts one index reposition.
func RecordLeaderboardReposition() {
	globalManager.leaderboardRepositions.Inc()
}

// UpdateLeaderboardSize sets the ranked builder count.
func UpdateLeaderboardSize(n int) {
	globalManager.leaderboardSize.Set(float64(n))
}

// RecordLeaderboardQueryLatency records a read latency.
func RecordLeaderboardQueryLatency(latencyMs float64) {
	globalManager.leaderboardQueryLat.Observe(latencyMs)
}

// RecordSnapshot counts a captured snapshot.
func RecordSnapshot() {
	globalManager.snapshots.Inc()
}

// Queue.

// UpdateQueueSize sets the current queue length.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue counts an accepted enqueue.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueRejected counts an enqueue refused by backpressure.
func RecordQueueRejected() {
	globalManager.queueRejected.Inc()
}

// Workers.

// UpdateWorkerCount sets the number of scoring workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records the time to process one activity.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed activity.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordChatStreamError counts a chat stream message that failed to dispatch.
func RecordChatStreamError() {
	globalManager.chatStreamErrors.Inc()
}

// HTTP.

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records the HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
