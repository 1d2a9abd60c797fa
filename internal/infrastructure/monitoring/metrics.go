package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Download metrics
	DownloadsStarted   prometheus.Counter
	DownloadsCompleted *prometheus.CounterVec
	DownloadBytes      prometheus.Counter
	TransferDuration   *prometheus.HistogramVec
	DownloadRetries    prometheus.Counter
	QueueDepth         prometheus.Gauge

	// Mount metrics
	Mounts        *prometheus.CounterVec
	ChunksMounted prometheus.Gauge

	// Manifest metrics
	ManifestLoads    *prometheus.CounterVec
	ReconcileOrphans prometheus.Counter

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
}

// NewMetrics registers every metric with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DownloadsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paksync_downloads_started_total",
				Help: "Total number of pak download tasks started",
			},
		),
		DownloadsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paksync_downloads_completed_total",
				Help: "Total number of pak download tasks finished, by result",
			},
			[]string{"result"},
		),
		DownloadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paksync_download_bytes_total",
				Help: "Total bytes received from the CDN",
			},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paksync_transfer_duration_seconds",
				Help:    "Duration of individual transfer attempts",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 180, 600},
			},
			[]string{"status"},
		),
		DownloadRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paksync_download_retries_total",
				Help: "Total number of scheduled transfer retries",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paksync_download_queue_depth",
				Help: "Number of paks waiting in the download queue",
			},
		),
		Mounts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paksync_mounts_total",
				Help: "Total number of pak mount attempts, by result",
			},
			[]string{"result"},
		),
		ChunksMounted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paksync_chunks_mounted",
				Help: "Number of chunks currently mounted",
			},
		),
		ManifestLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paksync_manifest_loads_total",
				Help: "Manifest loads by source and result",
			},
			[]string{"source", "result"},
		),
		ReconcileOrphans: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paksync_reconcile_orphans_total",
				Help: "Paks torn down because a manifest no longer lists them",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paksync_http_requests_total",
				Help: "Total number of status API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paksync_http_request_duration_seconds",
				Help:    "Status API request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paksync_ws_connections",
				Help: "Number of open progress websocket connections",
			},
		),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordDownloadStarted counts a new download task.
func (m *Metrics) RecordDownloadStarted() {
	if m == nil {
		return
	}
	m.DownloadsStarted.Inc()
}

// RecordDownloadResult counts a terminal download result.
func (m *Metrics) RecordDownloadResult(ok bool) {
	if m == nil {
		return
	}
	m.DownloadsCompleted.WithLabelValues(result(ok)).Inc()
}

// AddDownloadBytes adds received bytes.
func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadBytes.Add(float64(n))
}

// RecordTransfer records the outcome of one transfer attempt.
func (m *Metrics) RecordTransfer(httpStatus int, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransferDuration.WithLabelValues(strconv.Itoa(httpStatus)).Observe(duration.Seconds())
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.DownloadRetries.Inc()
}

// SetQueueDepth sets the download queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordMount counts a single pak mount attempt.
func (m *Metrics) RecordMount(ok bool) {
	if m == nil {
		return
	}
	m.Mounts.WithLabelValues(result(ok)).Inc()
}

// SetChunksMounted sets the mounted chunk gauge.
func (m *Metrics) SetChunksMounted(n int) {
	if m == nil {
		return
	}
	m.ChunksMounted.Set(float64(n))
}

// RecordManifestLoad counts a manifest load from source.
func (m *Metrics) RecordManifestLoad(source string, ok bool) {
	if m == nil {
		return
	}
	m.ManifestLoads.WithLabelValues(source, result(ok)).Inc()
}

// AddOrphans counts paks removed by reconciliation.
func (m *Metrics) AddOrphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconcileOrphans.Add(float64(n))
}

// RecordHTTPRequest records a status API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncWSConnections increments the websocket gauge.
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements the websocket gauge.
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
