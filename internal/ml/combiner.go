package ml

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// z95 is the two-sided 95% normal quantile.
const z95 = 1.96

// Combined aggregates the outputs of the ensemble regressors.
type Combined struct {
	Amount     float64
	Confidence float64
	// Contributions holds each prediction relative to the combined amount,
	// p_i/Amount, in input order. A model that agrees with the ensemble
	// scores 1. All zero when Amount is zero.
	Contributions []float64
	Uncertainty   [2]float64
	StdDev        float64
}

// Combine returns the mean of predictions with a disagreement-based confidence
// of 1/(1+σ) and a ±1.96σ interval, where σ is the population standard
// deviation of the predictions.
func Combine(predictions []float64) (Combined, error) {
	if len(predictions) == 0 {
		return Combined{}, errors.New("no predictions to combine")
	}
	for _, p := range predictions {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Combined{}, errors.New("prediction is not finite")
		}
	}

	amount, variance := stat.PopMeanVariance(predictions, nil)
	if math.IsNaN(variance) || variance < 0 {
		variance = 0
	}
	sigma := math.Sqrt(variance)

	c := Combined{
		Amount:        amount,
		Confidence:    1 / (1 + sigma),
		Contributions: make([]float64, len(predictions)),
		Uncertainty:   [2]float64{amount - z95*sigma, amount + z95*sigma},
		StdDev:        sigma,
	}

	if amount != 0 {
		floats.ScaleTo(c.Contributions, 1/amount, predictions)
	}
	return c, nil
}
