package collector

// MetricsReporter receives pipeline events for observability. The
// Prometheus-backed implementation lives in internal/metrics; a no-op
// reporter is used when no collector is configured.
type MetricsReporter interface {
	// SetDeviceConnected records the session state of one terminal.
	SetDeviceConnected(deviceSN string, connected bool)

	// IncReconnects counts a supervision restart for one terminal.
	IncReconnects(deviceSN string)

	// IncPunchesCaptured counts a punch received from live capture.
	IncPunchesCaptured(deviceSN string)

	// IncPunchesDuplicate counts a punch rejected by the dedup index.
	IncPunchesDuplicate(deviceSN string)

	// IncQueueDrops counts a punch dropped because the ingestion queue
	// was full.
	IncQueueDrops(deviceSN string)

	// IncStorageErrors counts a failed store insert.
	IncStorageErrors(deviceSN string)

	// RecordUpload counts one upload attempt by outcome ("ok" or "error").
	RecordUpload(status string)

	// AddUploadedPunches counts punches acknowledged by the backend.
	AddUploadedPunches(n int)
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) SetDeviceConnected(string, bool) {}
func (noopMetrics) IncReconnects(string)            {}
func (noopMetrics) IncPunchesCaptured(string)       {}
func (noopMetrics) IncPunchesDuplicate(string)      {}
func (noopMetrics) IncQueueDrops(string)            {}
func (noopMetrics) IncStorageErrors(string)         {}
func (noopMetrics) RecordUpload(string)             {}
func (noopMetrics) AddUploadedPunches(int)          {}
