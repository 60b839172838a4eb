package ml

import (
	"context"
	"fmt"
)

// GBMConfig configures a gradient-boosted tree ensemble.
type GBMConfig struct {
	Iterations     int     `yaml:"iterations"`
	LearningRate   float64 `yaml:"learning_rate"`
	MaxDepth       int     `yaml:"max_depth"`
	MaxLeaves      int     `yaml:"max_leaves"`
	MinSamplesLeaf int     `yaml:"min_samples_leaf"`
	LeafWise       bool    `yaml:"leaf_wise"`
}

// GradientBoosting fits an additive model of regression trees on squared-error
// residuals. With LeafWise set, each tree grows best-first up to MaxLeaves.
type GradientBoosting struct {
	config GBMConfig

	base       float64
	trees      []*regressionTree
	importance []float64
}

// NewGradientBoosting returns an untrained boosted-trees regressor.
func NewGradientBoosting(config GBMConfig) *GradientBoosting {
	if config.Iterations <= 0 {
		config.Iterations = 100
	}
	if config.LearningRate <= 0 {
		config.LearningRate = 0.1
	}
	if config.MinSamplesLeaf <= 0 {
		config.MinSamplesLeaf = 1
	}
	return &GradientBoosting{config: config}
}

func (g *GradientBoosting) Train(ctx context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}

	g.base = mean(y)
	g.trees = nil
	g.importance = nil
	if len(X) < minTrainingRows {
		return nil
	}
	g.importance = make([]float64, len(X[0]))

	n := len(X)
	current := make([]float64, n)
	for i := range current {
		current[i] = g.base
	}
	residual := make([]float64, n)
	rows := allRows(n)
	tc := treeConfig{
		maxDepth:       g.config.MaxDepth,
		maxLeaves:      g.config.MaxLeaves,
		minSamplesLeaf: g.config.MinSamplesLeaf,
		leafWise:       g.config.LeafWise,
	}

	for m := 0; m < g.config.Iterations; m++ {
		var sse float64
		for i := range residual {
			residual[i] = y[i] - current[i]
			sse += residual[i] * residual[i]
		}
		if sse/float64(n) < 1e-12 {
			break
		}

		tree, err := fitTree(ctx, tc, X, residual, rows, g.importance)
		if err != nil {
			return fmt.Errorf("boosting iteration %d: %w", m, err)
		}
		if len(tree.nodes) == 1 {
			// No split improves the residuals any further.
			break
		}
		for i, row := range X {
			current[i] += g.config.LearningRate * tree.predict(row)
		}
		g.trees = append(g.trees, tree)
	}
	return nil
}

func (g *GradientBoosting) Predict(x []float64) float64 {
	out := g.base
	for _, t := range g.trees {
		out += g.config.LearningRate * t.predict(x)
	}
	return out
}

// FeatureImportance returns the share of total split gain per feature.
func (g *GradientBoosting) FeatureImportance() map[int]float64 {
	out := make(map[int]float64, len(g.importance))
	var total float64
	for _, v := range g.importance {
		total += v
	}
	for i, v := range g.importance {
		if total > 0 {
			out[i] = v / total
		} else {
			out[i] = 0
		}
	}
	return out
}
