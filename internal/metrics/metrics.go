package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Worker metrics
	WorkerSpawns      *prometheus.CounterVec
	WorkerFaults      *prometheus.CounterVec
	RoundTrips        *prometheus.CounterVec
	RoundTripDuration *prometheus.HistogramVec
	BatchFlushes      *prometheus.CounterVec

	// Stage metrics
	StageCalls    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Search metrics
	SearchesTotal       *prometheus.CounterVec
	SearchDuration      prometheus.Histogram
	ConversationsActive prometheus.Gauge

	// Index job metrics
	JobsTotal  *prometheus.CounterVec
	JobsActive prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for the JSON stats API
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON stats API.
type Snapshot struct {
	TotalRequests int64
	TotalErrors   int64
	TotalSearches int64
	TotalFaults   int64
}

// New creates a metrics collector registered on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decaf_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Worker metrics
		WorkerSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_worker_spawns_total",
				Help: "Total number of worker processes spawned",
			},
			[]string{"stage"},
		),
		WorkerFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_worker_faults_total",
				Help: "Total number of worker-reported faults",
			},
			[]string{"stage", "phase"},
		),
		RoundTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_worker_round_trips_total",
				Help: "Total number of synchronization round trips",
			},
			[]string{"stage"},
		),
		RoundTripDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decaf_worker_round_trip_duration_seconds",
				Help:    "Synchronization round trip duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		BatchFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_worker_batch_flushes_total",
				Help: "Total number of batch flushes",
			},
			[]string{"stage", "kind"},
		),

		// Stage metrics
		StageCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_stage_calls_total",
				Help: "Total number of stage operations",
			},
			[]string{"stage", "op", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decaf_stage_duration_seconds",
				Help:    "Stage operation duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage", "op"},
		),

		// Search metrics
		SearchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_searches_total",
				Help: "Total number of searches served",
			},
			[]string{"status"},
		),
		SearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "decaf_search_duration_seconds",
				Help:    "End-to-end search duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ConversationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaf_conversations_active",
				Help: "Number of conversations with live state",
			},
		),

		// Index job metrics
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decaf_index_jobs_total",
				Help: "Total number of index jobs by terminal status",
			},
			[]string{"status"},
		),
		JobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaf_index_jobs_active",
				Help: "Number of running index jobs",
			},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaf_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "decaf_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordWorkerSpawn records a worker process spawn.
func (m *Metrics) RecordWorkerSpawn(stage string) {
	m.WorkerSpawns.WithLabelValues(stage).Inc()
}

// RecordWorkerFault records a worker-reported fault.
func (m *Metrics) RecordWorkerFault(stage, phase string) {
	m.WorkerFaults.WithLabelValues(stage, phase).Inc()

	m.mu.Lock()
	m.snapshot.TotalFaults++
	m.mu.Unlock()
}

// RecordRoundTrip records one synchronization round trip.
func (m *Metrics) RecordRoundTrip(stage string, duration time.Duration) {
	m.RoundTrips.WithLabelValues(stage).Inc()
	m.RoundTripDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordBatchFlush records a batch flush; kind is "full" or "partial".
func (m *Metrics) RecordBatchFlush(stage, kind string) {
	m.BatchFlushes.WithLabelValues(stage, kind).Inc()
}

// RecordStageCall records a stage operation.
func (m *Metrics) RecordStageCall(stage, op, status string, duration time.Duration) {
	m.StageCalls.WithLabelValues(stage, op, status).Inc()
	m.StageDuration.WithLabelValues(stage, op).Observe(duration.Seconds())
}

// RecordSearch records one served search.
func (m *Metrics) RecordSearch(status string, duration time.Duration) {
	m.SearchesTotal.WithLabelValues(status).Inc()
	m.SearchDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalSearches++
	m.mu.Unlock()
}

// SetConversationsActive sets the live conversation count.
func (m *Metrics) SetConversationsActive(count int) {
	m.ConversationsActive.Set(float64(count))
}

// RecordJobDone records an index job reaching a terminal status.
func (m *Metrics) RecordJobDone(status string) {
	m.JobsTotal.WithLabelValues(status).Inc()
}

// SetJobsActive sets the running job count.
func (m *Metrics) SetJobsActive(count int) {
	m.JobsActive.Set(float64(count))
}

// IncWSConnections increments WebSocket connections.
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections.
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Stats returns a copy of the JSON stats snapshot.
func (m *Metrics) Stats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
