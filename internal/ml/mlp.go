package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// MLPConfig configures the risk scorer network.
type MLPConfig struct {
	Hidden       int     `yaml:"hidden"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
}

// RiskScorer is a one-hidden-layer perceptron (tanh hidden units, sigmoid
// output) trained full-batch on binary cross-entropy.
type RiskScorer struct {
	config MLPConfig
	seed   int64

	scaler   *standardScaler
	w1       [][]float64 // hidden x inputs
	b1       []float64
	w2       []float64
	b2       float64
	fallback float64
	trained  bool
}

// NewRiskScorer returns an untrained network.
func NewRiskScorer(config MLPConfig, seed int64) *RiskScorer {
	if config.Hidden <= 0 {
		config.Hidden = 8
	}
	if config.Epochs <= 0 {
		config.Epochs = 500
	}
	if config.LearningRate <= 0 {
		config.LearningRate = 0.1
	}
	return &RiskScorer{config: config, seed: seed, fallback: 0.5}
}

func (r *RiskScorer) Train(ctx context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	r.trained = false
	r.fallback = 0.5
	if len(y) > 0 {
		r.fallback = clamp01(mean(y))
	}
	if len(X) < minTrainingRows {
		return nil
	}

	r.scaler = fitScaler(X)
	Z := r.scaler.transformAll(X)
	in, hidden := len(Z[0]), r.config.Hidden
	rng := rand.New(rand.NewSource(r.seed))

	limit := math.Sqrt(6 / float64(in+hidden))
	r.w1 = make([][]float64, hidden)
	for h := range r.w1 {
		r.w1[h] = make([]float64, in)
		for j := range r.w1[h] {
			r.w1[h][j] = (rng.Float64()*2 - 1) * limit
		}
	}
	r.b1 = make([]float64, hidden)
	limit = math.Sqrt(6 / float64(hidden+1))
	r.w2 = make([]float64, hidden)
	for h := range r.w2 {
		r.w2[h] = (rng.Float64()*2 - 1) * limit
	}
	r.b2 = logit(r.fallback)

	n := float64(len(Z))
	gw1 := make([][]float64, hidden)
	for h := range gw1 {
		gw1[h] = make([]float64, in)
	}
	gb1 := make([]float64, hidden)
	gw2 := make([]float64, hidden)
	act := make([]float64, hidden)

	for epoch := 0; epoch < r.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for h := range gw1 {
			for j := range gw1[h] {
				gw1[h][j] = 0
			}
			gb1[h], gw2[h] = 0, 0
		}
		var gb2 float64

		for i, z := range Z {
			out := r.forward(z, act)
			// d(BCE)/d(pre-sigmoid) = p - y
			delta := out - y[i]
			gb2 += delta
			for h := range act {
				gw2[h] += delta * act[h]
				dh := delta * r.w2[h] * (1 - act[h]*act[h])
				gb1[h] += dh
				for j, v := range z {
					gw1[h][j] += dh * v
				}
			}
		}

		lr := r.config.LearningRate / n
		for h := range r.w1 {
			for j := range r.w1[h] {
				r.w1[h][j] -= lr * gw1[h][j]
			}
			r.b1[h] -= lr * gb1[h]
			r.w2[h] -= lr * gw2[h]
		}
		r.b2 -= lr * gb2
	}

	if math.IsNaN(r.b2) || math.IsInf(r.b2, 0) {
		return fmt.Errorf("risk network diverged")
	}
	r.trained = true
	return nil
}

func (r *RiskScorer) PredictProbability(x []float64) float64 {
	if !r.trained {
		return r.fallback
	}
	return clamp01(r.forward(r.scaler.transform(x), make([]float64, len(r.w1))))
}

// forward writes hidden activations into act and returns the output
// probability.
func (r *RiskScorer) forward(z, act []float64) float64 {
	out := r.b2
	for h, weights := range r.w1 {
		act[h] = math.Tanh(floats.Dot(weights, z) + r.b1[h])
		out += r.w2[h] * act[h]
	}
	return sigmoid(out)
}
