package ml

import (
	"context"
	"fmt"
	"math/rand"
)

// ForestConfig configures a bagged random forest.
type ForestConfig struct {
	Trees           int     `yaml:"trees"`
	MaxDepth        int     `yaml:"max_depth"`
	MinSamplesLeaf  int     `yaml:"min_samples_leaf"`
	FeatureFraction float64 `yaml:"feature_fraction"`
}

// RandomForest averages trees fitted on bootstrap resamples, each split
// considering a random subset of features.
type RandomForest struct {
	config ForestConfig
	seed   int64

	trees    []*regressionTree
	fallback float64
}

// NewRandomForest returns an untrained forest. The seed makes resampling
// reproducible across training passes.
func NewRandomForest(config ForestConfig, seed int64) *RandomForest {
	if config.Trees <= 0 {
		config.Trees = 50
	}
	if config.FeatureFraction <= 0 {
		config.FeatureFraction = 0.5
	}
	return &RandomForest{config: config, seed: seed}
}

func (f *RandomForest) Train(ctx context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	f.fallback = mean(y)
	f.trees = nil
	if len(X) < minTrainingRows {
		return nil
	}

	rng := rand.New(rand.NewSource(f.seed))
	tc := treeConfig{
		maxDepth:        f.config.MaxDepth,
		minSamplesLeaf:  f.config.MinSamplesLeaf,
		featureFraction: f.config.FeatureFraction,
		rng:             rng,
	}

	n := len(X)
	sample := make([]int, n)
	for t := 0; t < f.config.Trees; t++ {
		for i := range sample {
			sample[i] = rng.Intn(n)
		}
		tree, err := fitTree(ctx, tc, X, y, sample, nil)
		if err != nil {
			return fmt.Errorf("forest tree %d: %w", t, err)
		}
		f.trees = append(f.trees, tree)
	}
	return nil
}

func (f *RandomForest) Predict(x []float64) float64 {
	if len(f.trees) == 0 {
		return f.fallback
	}
	var sum float64
	for _, t := range f.trees {
		sum += t.predict(x)
	}
	return sum / float64(len(f.trees))
}
