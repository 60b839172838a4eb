package ml

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LogisticConfig configures the campaign-response classifier.
type LogisticConfig struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	L2           float64 `yaml:"l2"`
}

// LogisticClassifier is a linear margin classifier trained with the logistic
// loss on standardised features. Targets may be soft labels such as a
// response rate.
type LogisticClassifier struct {
	config LogisticConfig

	scaler   *standardScaler
	weights  []float64
	bias     float64
	fallback float64
	trained  bool
}

// NewLogisticClassifier returns an untrained classifier.
func NewLogisticClassifier(config LogisticConfig) *LogisticClassifier {
	if config.Epochs <= 0 {
		config.Epochs = 300
	}
	if config.LearningRate <= 0 {
		config.LearningRate = 0.5
	}
	return &LogisticClassifier{config: config, fallback: 0.5}
}

func (c *LogisticClassifier) Train(ctx context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	for i, t := range y {
		if t < 0 || t > 1 {
			return fmt.Errorf("target %d = %f outside [0,1]", i, t)
		}
	}

	c.trained = false
	c.fallback = 0.5
	if len(y) > 0 {
		c.fallback = mean(y)
	}
	if len(X) < minTrainingRows {
		return nil
	}

	c.scaler = fitScaler(X)
	Z := c.scaler.transformAll(X)
	n := float64(len(Z))
	c.weights = make([]float64, len(Z[0]))
	c.bias = logit(clamp01(c.fallback))
	grad := make([]float64, len(c.weights))

	for epoch := 0; epoch < c.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for j := range grad {
			grad[j] = 0
		}
		var gradBias float64
		for i, z := range Z {
			diff := sigmoid(floats.Dot(c.weights, z)+c.bias) - y[i]
			for j, v := range z {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range c.weights {
			c.weights[j] -= c.config.LearningRate * (grad[j]/n + c.config.L2*c.weights[j])
		}
		c.bias -= c.config.LearningRate * gradBias / n
	}

	if math.IsNaN(c.bias) || math.IsInf(c.bias, 0) {
		return fmt.Errorf("logistic fit diverged")
	}
	for _, w := range c.weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("logistic fit diverged")
		}
	}
	c.trained = true
	return nil
}

func (c *LogisticClassifier) PredictProbability(x []float64) float64 {
	if !c.trained {
		return clamp01(c.fallback)
	}
	return clamp01(sigmoid(floats.Dot(c.weights, c.scaler.transform(x)) + c.bias))
}

// logit maps a probability to its log-odds, clamped away from the poles.
func logit(p float64) float64 {
	p = math.Min(1-1e-6, math.Max(1e-6, p))
	return math.Log(p / (1 - p))
}
