package ml

import (
	"context"
	"fmt"
	"sync"

	"donor-insights/internal/donor"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu                 sync.Mutex
	trainingRuns       int
	trainingFailures   int
	trainingDuration   float64
	donorsTrained      float64
	predictions        int
	predictionFailures int
	latencySum         float64
	confidences        []float64
	modelAge           float64
}

func (m *MockMetrics) TrainingRunsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingRuns++
}

func (m *MockMetrics) TrainingFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingFailures++
}

func (m *MockMetrics) TrainingDurationObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingDuration += v
}

func (m *MockMetrics) DonorsTrainedSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donorsTrained = v
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) PredictionFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionFailures++
}

func (m *MockMetrics) PredictionLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) ConfidenceObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confidences = append(m.confidences, v)
}

func (m *MockMetrics) ModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

// Counts returns training runs, training failures, predictions and
// prediction failures.
func (m *MockMetrics) Counts() (trainingRuns, trainingFailures, predictions, predictionFailures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainingRuns, m.trainingFailures, m.predictions, m.predictionFailures
}

// MockRepository is an in-memory donor.Repository that counts lookups and can
// be told to fail.
type MockRepository struct {
	mu      sync.Mutex
	donors  []donor.Record
	lookups int
	allErr  error
}

// NewMockRepository returns a repository serving donors.
func NewMockRepository(donors ...donor.Record) *MockRepository {
	return &MockRepository{donors: donors}
}

// SetDonors replaces the served population.
func (r *MockRepository) SetDonors(donors ...donor.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.donors = donors
}

// FailGetAll makes GetAllDonors return err until cleared with nil.
func (r *MockRepository) FailGetAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allErr = err
}

// Lookups returns the number of GetDonorByID calls.
func (r *MockRepository) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func (r *MockRepository) GetAllDonors(ctx context.Context) ([]donor.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.allErr != nil {
		return nil, r.allErr
	}
	out := make([]donor.Record, len(r.donors))
	copy(out, r.donors)
	return out, nil
}

func (r *MockRepository) GetDonorByID(_ context.Context, id string) (donor.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	for _, d := range r.donors {
		if d.ID == id {
			return d, nil
		}
	}
	return donor.Record{}, fmt.Errorf("donor %s: %w", id, donor.ErrNotFound)
}
