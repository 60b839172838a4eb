package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// AdaBoostConfig configures the AdaBoost.R2 regressor.
type AdaBoostConfig struct {
	Estimators int `yaml:"estimators"`
	MaxDepth   int `yaml:"max_depth"`
}

// AdaBoost implements AdaBoost.R2 with a linear loss: each round fits a
// shallow tree to a weighted resample, then shifts weight toward the rows it
// predicted worst. Predictions are the weighted median of the rounds.
type AdaBoost struct {
	config AdaBoostConfig
	seed   int64

	trees    []*regressionTree
	weights  []float64
	fallback float64
}

// NewAdaBoost returns an untrained AdaBoost.R2 regressor.
func NewAdaBoost(config AdaBoostConfig, seed int64) *AdaBoost {
	if config.Estimators <= 0 {
		config.Estimators = 30
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 3
	}
	return &AdaBoost{config: config, seed: seed}
}

func (a *AdaBoost) Train(ctx context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	a.fallback = mean(y)
	a.trees = nil
	a.weights = nil
	if len(X) < minTrainingRows {
		return nil
	}

	n := len(X)
	rng := rand.New(rand.NewSource(a.seed))
	tc := treeConfig{maxDepth: a.config.MaxDepth, minSamplesLeaf: 1}

	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	cumulative := make([]float64, n)
	sample := make([]int, n)
	errs := make([]float64, n)

	for m := 0; m < a.config.Estimators; m++ {
		var acc float64
		for i, wi := range w {
			acc += wi
			cumulative[i] = acc
		}
		for i := range sample {
			k := sort.SearchFloat64s(cumulative, rng.Float64()*acc)
			if k >= n {
				k = n - 1
			}
			sample[i] = k
		}

		tree, err := fitTree(ctx, tc, X, y, sample, nil)
		if err != nil {
			return fmt.Errorf("adaboost round %d: %w", m, err)
		}

		var maxErr float64
		for i, row := range X {
			errs[i] = math.Abs(tree.predict(row) - y[i])
			maxErr = math.Max(maxErr, errs[i])
		}
		if maxErr == 0 {
			a.trees = append(a.trees, tree)
			a.weights = append(a.weights, 1)
			break
		}

		var avgLoss float64
		for i := range errs {
			errs[i] /= maxErr
			avgLoss += w[i] * errs[i]
		}
		if avgLoss >= 0.5 {
			if len(a.trees) == 0 {
				a.trees = append(a.trees, tree)
				a.weights = append(a.weights, 1)
			}
			break
		}

		beta := avgLoss / (1 - avgLoss)
		a.trees = append(a.trees, tree)
		a.weights = append(a.weights, math.Log(1/beta))

		var total float64
		for i := range w {
			w[i] *= math.Pow(beta, 1-errs[i])
			total += w[i]
		}
		if total <= 0 || math.IsNaN(total) {
			break
		}
		for i := range w {
			w[i] /= total
		}
	}
	return nil
}

func (a *AdaBoost) Predict(x []float64) float64 {
	if len(a.trees) == 0 {
		return a.fallback
	}

	type vote struct{ value, weight float64 }
	votes := make([]vote, len(a.trees))
	var total float64
	for i, t := range a.trees {
		votes[i] = vote{t.predict(x), a.weights[i]}
		total += a.weights[i]
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].value < votes[j].value })

	var acc float64
	for _, v := range votes {
		acc += v.weight
		if acc >= total/2 {
			return v.value
		}
	}
	return votes[len(votes)-1].value
}
