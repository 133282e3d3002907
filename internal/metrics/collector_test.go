package agentmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	agentmetrics "github.com/attendkit/zkagent/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := agentmetrics.NewCollector(reg)

	if c.DeviceConnected == nil {
		t.Error("DeviceConnected is nil")
	}
	if c.PunchesCaptured == nil {
		t.Error("PunchesCaptured is nil")
	}
	if c.PunchesDuplicate == nil {
		t.Error("PunchesDuplicate is nil")
	}
	if c.QueueDrops == nil {
		t.Error("QueueDrops is nil")
	}
	if c.Reconnects == nil {
		t.Error("Reconnects is nil")
	}
	if c.StorageErrors == nil {
		t.Error("StorageErrors is nil")
	}
	if c.Uploads == nil {
		t.Error("Uploads is nil")
	}
	if c.UploadedPunches == nil {
		t.Error("UploadedPunches is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestDeviceConnectedGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := agentmetrics.NewCollector(reg)

	c.SetDeviceConnected("SN-A", true)
	if val := gaugeValue(t, c.DeviceConnected, "SN-A"); val != 1 {
		t.Errorf("connected gauge = %v, want 1", val)
	}

	c.SetDeviceConnected("SN-A", false)
	if val := gaugeValue(t, c.DeviceConnected, "SN-A"); val != 0 {
		t.Errorf("disconnected gauge = %v, want 0", val)
	}

	// A second terminal gets its own series.
	c.SetDeviceConnected("SN-B", true)
	if val := gaugeValue(t, c.DeviceConnected, "SN-B"); val != 1 {
		t.Errorf("SN-B gauge = %v, want 1", val)
	}
	if val := gaugeValue(t, c.DeviceConnected, "SN-A"); val != 0 {
		t.Errorf("SN-A gauge = %v, want 0 (should be unaffected)", val)
	}
}

func TestPunchCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := agentmetrics.NewCollector(reg)

	c.IncPunchesCaptured("SN-A")
	c.IncPunchesCaptured("SN-A")
	c.IncPunchesCaptured("SN-A")
	if val := counterValue(t, c.PunchesCaptured, "SN-A"); val != 3 {
		t.Errorf("PunchesCaptured = %v, want 3", val)
	}

	c.IncPunchesDuplicate("SN-A")
	if val := counterValue(t, c.PunchesDuplicate, "SN-A"); val != 1 {
		t.Errorf("PunchesDuplicate = %v, want 1", val)
	}

	c.IncQueueDrops("SN-A")
	c.IncQueueDrops("SN-A")
	if val := counterValue(t, c.QueueDrops, "SN-A"); val != 2 {
		t.Errorf("QueueDrops = %v, want 2", val)
	}

	c.IncStorageErrors("SN-A")
	if val := counterValue(t, c.StorageErrors, "SN-A"); val != 1 {
		t.Errorf("StorageErrors = %v, want 1", val)
	}

	c.IncReconnects("SN-A")
	c.IncReconnects("SN-A")
	if val := counterValue(t, c.Reconnects, "SN-A"); val != 2 {
		t.Errorf("Reconnects = %v, want 2", val)
	}
}

func TestUploadCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := agentmetrics.NewCollector(reg)

	c.RecordUpload("ok")
	c.RecordUpload("ok")
	c.RecordUpload("error")

	if val := counterValue(t, c.Uploads, "ok"); val != 2 {
		t.Errorf("Uploads(ok) = %v, want 2", val)
	}
	if val := counterValue(t, c.Uploads, "error"); val != 1 {
		t.Errorf("Uploads(error) = %v, want 1", val)
	}

	c.AddUploadedPunches(5)
	c.AddUploadedPunches(2)

	m := &dto.Metric{}
	if err := c.UploadedPunches.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 7 {
		t.Errorf("UploadedPunches = %v, want 7", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
