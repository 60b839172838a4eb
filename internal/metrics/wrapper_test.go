package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"donor-insights/internal/ml"
)

var _ ml.MetricsInterface = (*MetricsWrapper)(nil)

func newTestWrapper() (*Metrics, *MetricsWrapper) {
	m := NewWithRegistry(prometheus.NewRegistry())
	return m, NewWrapper(m)
}

func TestNewWrapper(t *testing.T) {
	metrics, wrapper := newTestWrapper()

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != metrics {
		t.Error("Wrapper does not contain correct metrics instance")
	}
}

func TestNewWithRegistry_Isolated(t *testing.T) {
	// Two registries must not collide on metric names.
	NewWithRegistry(prometheus.NewRegistry())
	NewWithRegistry(prometheus.NewRegistry())
}

func TestMetricsWrapper_TrainingMetrics(t *testing.T) {
	metrics, wrapper := newTestWrapper()

	if v := testutil.ToFloat64(metrics.TrainingRuns); v != 0 {
		t.Errorf("Expected initial counter value 0, got %f", v)
	}

	wrapper.TrainingRunsInc()
	wrapper.TrainingRunsInc()
	wrapper.TrainingFailuresInc()
	wrapper.DonorsTrainedSet(120)
	wrapper.ModelAgeSet(0)
	wrapper.TrainingDurationObserve(1.5)

	if v := testutil.ToFloat64(metrics.TrainingRuns); v != 2 {
		t.Errorf("Expected 2 training runs, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.TrainingFailures); v != 1 {
		t.Errorf("Expected 1 training failure, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.DonorsTrained); v != 120 {
		t.Errorf("Expected population 120, got %f", v)
	}
	if n := testutil.CollectAndCount(metrics.TrainingDuration); n != 1 {
		t.Errorf("Expected 1 duration series, got %d", n)
	}
}

func TestMetricsWrapper_PredictionMetrics(t *testing.T) {
	metrics, wrapper := newTestWrapper()

	for i := 0; i < 3; i++ {
		wrapper.PredictionsInc()
		wrapper.PredictionLatencyObserve(0.002)
		wrapper.ConfidenceObserve(0.75)
	}
	wrapper.PredictionFailuresInc()
	wrapper.ModelAgeSet(3600)

	if v := testutil.ToFloat64(metrics.Predictions); v != 3 {
		t.Errorf("Expected 3 predictions, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.PredictionFailures); v != 1 {
		t.Errorf("Expected 1 prediction failure, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ModelAge); v != 3600 {
		t.Errorf("Expected model age 3600, got %f", v)
	}

	if n := testutil.CollectAndCount(metrics.EnsembleConfidence); n != 1 {
		t.Errorf("Expected 1 confidence series, got %d", n)
	}
}

func TestMetricsWrapper_APIMetrics(t *testing.T) {
	metrics, wrapper := newTestWrapper()

	wrapper.ObserveRequest("/train", 202, 0.01)
	wrapper.ObserveRequest("/train", 202, 0.02)
	wrapper.ObserveRequest("/donors/{id}/prediction", 404, 0.001)

	expected := `
# HELP donor_http_requests_total Total number of API requests by route and status code
# TYPE donor_http_requests_total counter
donor_http_requests_total{code="202",route="/train"} 2
donor_http_requests_total{code="404",route="/donors/{id}/prediction"} 1
`
	if err := testutil.CollectAndCompare(metrics.HTTPRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected request counts: %v", err)
	}
	if n := testutil.CollectAndCount(metrics.HTTPLatency); n != 2 {
		t.Errorf("Expected 2 latency series, got %d", n)
	}

	wrapper.WSClientsAdd(1)
	wrapper.WSClientsAdd(1)
	wrapper.WSClientsAdd(-1)
	if v := testutil.ToFloat64(metrics.WSClients); v != 1 {
		t.Errorf("Expected 1 websocket client, got %f", v)
	}

	wrapper.SnapshotStored(nil)
	wrapper.SnapshotStored(errors.New("disk full"))
	if v := testutil.ToFloat64(metrics.SnapshotsStored); v != 1 {
		t.Errorf("Expected 1 stored snapshot, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.SnapshotFailures); v != 1 {
		t.Errorf("Expected 1 snapshot failure, got %f", v)
	}
}
