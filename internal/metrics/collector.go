package agentmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "zkagent"
	subsystem = "collector"
)

// Label names for agent metrics.
const (
	labelDeviceSN = "device_sn"
	labelStatus   = "status"
)

// -------------------------------------------------------------------------
// Collector -- Prometheus Agent Metrics
// -------------------------------------------------------------------------

// Collector holds all agent Prometheus metrics.
//
// Metrics are designed for attended-site monitoring:
//   - Connection gauges show which terminals are currently up.
//   - Punch counters track captured, duplicate and dropped events.
//   - Upload counters track sync cycles per outcome for alerting on a
//     backend that stopped acknowledging.
type Collector struct {
	// DeviceConnected is 1 while the session to a terminal is
	// established, 0 otherwise.
	DeviceConnected *prometheus.GaugeVec

	// PunchesCaptured counts punches received over live capture per
	// terminal.
	PunchesCaptured *prometheus.CounterVec

	// PunchesDuplicate counts punches discarded by the store's dedup
	// index per terminal.
	PunchesDuplicate *prometheus.CounterVec

	// QueueDrops counts punches dropped because the ingestion queue
	// stayed full. Non-zero without overload indicates a stuck drain
	// worker.
	QueueDrops *prometheus.CounterVec

	// Reconnects counts supervisor reconnect attempts per terminal.
	Reconnects *prometheus.CounterVec

	// StorageErrors counts failed store writes after retries.
	StorageErrors *prometheus.CounterVec

	// Uploads counts upload batches per outcome (ok, error, skipped).
	Uploads *prometheus.CounterVec

	// UploadedPunches counts rows marked synced.
	UploadedPunches prometheus.Counter
}

// NewCollector creates a Collector with all agent metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "zkagent_collector_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.DeviceConnected,
		c.PunchesCaptured,
		c.PunchesDuplicate,
		c.QueueDrops,
		c.Reconnects,
		c.StorageErrors,
		c.Uploads,
		c.UploadedPunches,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	deviceLabels := []string{labelDeviceSN}

	return &Collector{
		DeviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_connected",
			Help:      "Whether the session to the terminal is currently established.",
		}, deviceLabels),

		PunchesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "punches_captured_total",
			Help:      "Total punches received over live capture.",
		}, deviceLabels),

		PunchesDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "punches_duplicate_total",
			Help:      "Total punches discarded by the dedup index.",
		}, deviceLabels),

		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_drops_total",
			Help:      "Total punches dropped because the ingestion queue stayed full.",
		}, deviceLabels),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts per terminal.",
		}, deviceLabels),

		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "storage_errors_total",
			Help:      "Total store writes that failed after retries.",
		}, deviceLabels),

		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "uploads_total",
			Help:      "Total upload cycles per outcome.",
		}, []string{labelStatus}),

		UploadedPunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "uploaded_punches_total",
			Help:      "Total punches acknowledged by the backend and marked synced.",
		}),
	}
}

// -------------------------------------------------------------------------
// Device Lifecycle
// -------------------------------------------------------------------------

// SetDeviceConnected records the session state of one terminal.
func (c *Collector) SetDeviceConnected(deviceSN string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	c.DeviceConnected.WithLabelValues(deviceSN).Set(v)
}

// IncReconnects increments the reconnect counter for the given terminal.
// Called each time the supervisor re-dials after a fault.
func (c *Collector) IncReconnects(deviceSN string) {
	c.Reconnects.WithLabelValues(deviceSN).Inc()
}

// -------------------------------------------------------------------------
// Punch Counters
// -------------------------------------------------------------------------

// IncPunchesCaptured increments the captured punches counter.
func (c *Collector) IncPunchesCaptured(deviceSN string) {
	c.PunchesCaptured.WithLabelValues(deviceSN).Inc()
}

// IncPunchesDuplicate increments the duplicate punches counter. Called
// when the store's dedup index rejects an insert.
func (c *Collector) IncPunchesDuplicate(deviceSN string) {
	c.PunchesDuplicate.WithLabelValues(deviceSN).Inc()
}

// IncQueueDrops increments the queue drop counter. Called when a punch
// cannot be enqueued within the back-pressure window.
func (c *Collector) IncQueueDrops(deviceSN string) {
	c.QueueDrops.WithLabelValues(deviceSN).Inc()
}

// IncStorageErrors increments the storage error counter.
func (c *Collector) IncStorageErrors(deviceSN string) {
	c.StorageErrors.WithLabelValues(deviceSN).Inc()
}

// -------------------------------------------------------------------------
// Uploads
// -------------------------------------------------------------------------

// RecordUpload counts one upload cycle with its outcome label.
func (c *Collector) RecordUpload(status string) {
	c.Uploads.WithLabelValues(status).Inc()
}

// AddUploadedPunches counts rows acknowledged by the backend.
func (c *Collector) AddUploadedPunches(n int) {
	c.UploadedPunches.Add(float64(n))
}
