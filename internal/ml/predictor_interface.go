// Package ml provides the predictive models behind donor analytics: the base
// learners that produce business metrics directly, the ensemble regressors
// whose outputs are combined with variance-based confidence, the recurrent
// sequence forecaster, and the Engine that owns trained state and serves
// predictions.
//
// Every learner is a variant of one of two strategy interfaces, Regressor and
// Classifier, so swapping an algorithm only changes which variant the Engine
// instantiates.
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Regressor is a learner that maps a feature vector to a real value.
type Regressor interface {
	// Train fits the learner over the whole population. Rows of X must share
	// one width and len(X) must equal len(y).
	Train(ctx context.Context, X [][]float64, y []float64) error

	// Predict returns the fitted estimate for one feature vector.
	Predict(x []float64) float64
}

// Classifier is a learner that maps a feature vector to a probability.
type Classifier interface {
	// Train fits the learner. Targets are probabilities in [0,1]; soft labels
	// are accepted.
	Train(ctx context.Context, X [][]float64, y []float64) error

	// PredictProbability returns a value in [0,1].
	PredictProbability(x []float64) float64
}

// FeatureImporter is implemented by learners that can attribute their fit to
// individual feature positions. Weights are non-negative and sum to 1 unless
// the learner never split on anything, in which case all weights are 0.
type FeatureImporter interface {
	FeatureImportance() map[int]float64
}

// ErrNotReady is returned when predictions are requested before any training
// pass has completed successfully.
var ErrNotReady = errors.New("models not trained")

// TrainingError reports that a learner failed to fit. A training pass that
// produces one is abandoned without replacing the current models.
type TrainingError struct {
	Model string
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %s: %v", e.Model, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// minTrainingRows is the population size below which learners fall back to
// the population mean or a neutral default.
const minTrainingRows = 2

// validateTrainingSet checks the shape and finiteness of a feature matrix and
// its targets.
func validateTrainingSet(X [][]float64, y []float64) error {
	if len(X) != len(y) {
		return fmt.Errorf("feature rows (%d) and targets (%d) differ", len(X), len(y))
	}
	if len(X) == 0 {
		return nil
	}
	width := len(X[0])
	if width == 0 {
		return fmt.Errorf("feature rows are empty")
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("row %d has %d features, expected %d", i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d feature %d is not finite", i, j)
			}
		}
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return fmt.Errorf("target %d is not finite", i)
		}
	}
	return nil
}

// mean is stat.Mean with an empty input mapped to 0.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Min(1, math.Max(0, v))
}
