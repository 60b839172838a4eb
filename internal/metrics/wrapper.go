package metrics

import "strconv"

// MetricsWrapper adapts Metrics to the narrow interfaces the engine and the
// API server depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) TrainingRunsInc() {
	w.m.TrainingRuns.Inc()
}

func (w *MetricsWrapper) TrainingFailuresInc() {
	w.m.TrainingFailures.Inc()
}

func (w *MetricsWrapper) TrainingDurationObserve(seconds float64) {
	w.m.TrainingDuration.Observe(seconds)
}

func (w *MetricsWrapper) DonorsTrainedSet(n float64) {
	w.m.DonorsTrained.Set(n)
}

func (w *MetricsWrapper) PredictionsInc() {
	w.m.Predictions.Inc()
}

func (w *MetricsWrapper) PredictionFailuresInc() {
	w.m.PredictionFailures.Inc()
}

func (w *MetricsWrapper) PredictionLatencyObserve(seconds float64) {
	w.m.PredictionLatency.Observe(seconds)
}

func (w *MetricsWrapper) ConfidenceObserve(confidence float64) {
	w.m.EnsembleConfidence.Observe(confidence)
}

func (w *MetricsWrapper) ModelAgeSet(seconds float64) {
	w.m.ModelAge.Set(seconds)
}

// ObserveRequest records one API request.
func (w *MetricsWrapper) ObserveRequest(route string, code int, seconds float64) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.m.HTTPLatency.WithLabelValues(route).Observe(seconds)
}

func (w *MetricsWrapper) WSClientsAdd(delta float64) {
	w.m.WSClients.Add(delta)
}

// SnapshotStored counts a prediction snapshot write, successful or not.
func (w *MetricsWrapper) SnapshotStored(err error) {
	if err != nil {
		w.m.SnapshotFailures.Inc()
		return
	}
	w.m.SnapshotsStored.Inc()
}
