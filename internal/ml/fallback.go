package ml

import (
	"context"
	"math"
)

// MeanRegressor predicts the mean training target regardless of input. It is
// the baseline the backtest measures the ensemble against, and a fixture
// learner for tests.
type MeanRegressor struct {
	value float64
}

// NewMeanRegressor returns a regressor that predicts value until trained.
func NewMeanRegressor(value float64) *MeanRegressor {
	return &MeanRegressor{value: value}
}

func (m *MeanRegressor) Train(_ context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	m.value = mean(y)
	return nil
}

func (m *MeanRegressor) Predict([]float64) float64 {
	return m.value
}

// ConstantClassifier answers every input with the mean training label,
// or 0.5 before any data has been seen.
type ConstantClassifier struct {
	p float64
}

// NewConstantClassifier returns a classifier fixed at probability p.
func NewConstantClassifier(p float64) *ConstantClassifier {
	return &ConstantClassifier{p: clamp01(p)}
}

func (c *ConstantClassifier) Train(_ context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	c.p = 0.5
	if len(y) > 0 {
		c.p = clamp01(mean(y))
	}
	return nil
}

func (c *ConstantClassifier) PredictProbability([]float64) float64 {
	return c.p
}

// sigmoid converts a score to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
