package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultSeasonalityPeriod is the phase length used for the seasonal profile.
const DefaultSeasonalityPeriod = 7

const gradientClip = 5.0

// RNNConfig configures the recurrent forecaster.
type RNNConfig struct {
	Hidden       int     `yaml:"hidden"`
	Window       int     `yaml:"window"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	Period       int     `yaml:"seasonality_period"`
}

// SequenceForecast is the forecaster's answer for one series. Forecast and
// Confidence have one entry per horizon step; Confidence holds the 95%
// interval half-width of each step.
type SequenceForecast struct {
	Forecast    []float64 `json:"forecast"`
	Confidence  []float64 `json:"confidence"`
	Seasonality []float64 `json:"seasonality"`
	Trend       []float64 `json:"trend"`
}

// SequenceForecaster is an Elman recurrent network with one tanh layer and a
// dense scalar projection. It learns one-step-ahead prediction over sliding
// windows of monthly totals and forecasts a horizon by feeding its own
// predictions back in.
type SequenceForecaster struct {
	config  RNNConfig
	seed    int64
	horizon int

	wx, bh []float64   // hidden
	wh     [][]float64 // hidden x hidden
	wo     []float64
	bo     float64

	scale   float64
	sigma   float64
	trained bool
}

// NewSequenceForecaster returns an untrained forecaster.
func NewSequenceForecaster(config RNNConfig, seed int64) *SequenceForecaster {
	if config.Hidden <= 0 {
		config.Hidden = 8
	}
	if config.Window <= 0 {
		config.Window = 3
	}
	if config.Epochs <= 0 {
		config.Epochs = 150
	}
	if config.LearningRate <= 0 {
		config.LearningRate = 0.05
	}
	if config.Period <= 0 {
		config.Period = DefaultSeasonalityPeriod
	}
	return &SequenceForecaster{config: config, seed: seed, horizon: 12}
}

// Horizon returns the number of steps Predict forecasts.
func (f *SequenceForecaster) Horizon() int {
	return f.horizon
}

type sequenceSample struct {
	input  []float64
	target float64
}

// Train fits the network on every window of every series. With fewer than
// two windows available the forecaster stays in fallback mode and Predict
// projects the series mean.
func (f *SequenceForecaster) Train(ctx context.Context, series [][]float64, horizon int) error {
	if horizon <= 0 {
		return fmt.Errorf("forecast horizon must be positive, got %d", horizon)
	}
	f.horizon = horizon
	f.trained = false

	f.scale = 0
	for _, s := range series {
		for _, v := range s {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("series value is not finite")
			}
			f.scale = math.Max(f.scale, math.Abs(v))
		}
	}
	if f.scale == 0 {
		f.scale = 1
	}

	w := f.config.Window
	var samples []sequenceSample
	for _, s := range series {
		for t := w; t < len(s); t++ {
			input := make([]float64, w)
			for k := range input {
				input[k] = s[t-w+k] / f.scale
			}
			samples = append(samples, sequenceSample{input: input, target: s[t] / f.scale})
		}
	}
	if len(samples) < minTrainingRows {
		return nil
	}

	f.initWeights()
	rng := rand.New(rand.NewSource(f.seed))
	order := allRows(len(samples))

	for epoch := 0; epoch < f.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			f.step(samples[i])
		}
	}

	var sse float64
	for _, s := range samples {
		d := f.forward(s.input, nil) - s.target
		sse += d * d
	}
	f.sigma = math.Sqrt(sse / float64(len(samples)))
	if math.IsNaN(f.sigma) || math.IsInf(f.sigma, 0) {
		return fmt.Errorf("sequence network diverged")
	}
	f.trained = true
	return nil
}

// Predict forecasts the next Horizon() months after series and decomposes
// series into seasonal and trend components.
func (f *SequenceForecaster) Predict(series []float64) SequenceForecast {
	out := SequenceForecast{
		Forecast:    make([]float64, f.horizon),
		Confidence:  make([]float64, f.horizon),
		Seasonality: Seasonality(series, f.config.Period),
		Trend:       Trend(series),
	}

	if !f.trained {
		level, std := 0.0, 0.0
		if len(series) > 0 {
			var variance float64
			level, variance = stat.PopMeanVariance(series, nil)
			if !math.IsNaN(variance) {
				std = math.Sqrt(variance)
			}
		}
		for k := range out.Forecast {
			out.Forecast[k] = math.Max(0, level)
			out.Confidence[k] = z95 * std
		}
		return out
	}

	w := f.config.Window
	window := make([]float64, w)
	for k := 0; k < w; k++ {
		if i := len(series) - w + k; i >= 0 {
			window[k] = series[i] / f.scale
		}
	}
	for k := range out.Forecast {
		next := f.forward(window, nil)
		out.Forecast[k] = math.Max(0, next*f.scale)
		out.Confidence[k] = z95 * f.sigma * f.scale * math.Sqrt(float64(k+1))
		copy(window, window[1:])
		window[w-1] = next
	}
	return out
}

func (f *SequenceForecaster) initWeights() {
	rng := rand.New(rand.NewSource(f.seed))
	h := f.config.Hidden
	limit := 1 / math.Sqrt(float64(h))
	uniform := func() float64 { return (rng.Float64()*2 - 1) * limit }

	f.wx = make([]float64, h)
	f.bh = make([]float64, h)
	f.wo = make([]float64, h)
	f.wh = make([][]float64, h)
	for i := 0; i < h; i++ {
		f.wx[i] = uniform()
		f.wo[i] = uniform()
		f.wh[i] = make([]float64, h)
		for j := range f.wh[i] {
			f.wh[i][j] = uniform()
		}
	}
	f.bo = 0
}

// forward runs the window through the recurrence and returns the projection.
// When states is non-nil it receives the hidden state after every step.
func (f *SequenceForecaster) forward(input []float64, states [][]float64) float64 {
	h := f.config.Hidden
	prev := make([]float64, h)
	for t, x := range input {
		cur := make([]float64, h)
		for i := 0; i < h; i++ {
			cur[i] = math.Tanh(f.wx[i]*x + floats.Dot(f.wh[i], prev) + f.bh[i])
		}
		if states != nil {
			states[t] = cur
		}
		prev = cur
	}
	return floats.Dot(f.wo, prev) + f.bo
}

// step applies one SGD update with backpropagation through time.
func (f *SequenceForecaster) step(s sequenceSample) {
	h, w := f.config.Hidden, len(s.input)
	states := make([][]float64, w)
	pred := f.forward(s.input, states)
	dy := clip(pred - s.target)

	gwo := make([]float64, h)
	gwx := make([]float64, h)
	gbh := make([]float64, h)
	gwh := make([][]float64, h)
	for i := range gwh {
		gwh[i] = make([]float64, h)
	}

	dh := make([]float64, h)
	for i := 0; i < h; i++ {
		gwo[i] = dy * states[w-1][i]
		dh[i] = dy * f.wo[i]
	}

	for t := w - 1; t >= 0; t-- {
		prev := make([]float64, h)
		if t > 0 {
			prev = states[t-1]
		}
		dpre := make([]float64, h)
		for i := 0; i < h; i++ {
			dpre[i] = dh[i] * (1 - states[t][i]*states[t][i])
			gwx[i] += dpre[i] * s.input[t]
			gbh[i] += dpre[i]
			for j := 0; j < h; j++ {
				gwh[i][j] += dpre[i] * prev[j]
			}
		}
		next := make([]float64, h)
		for j := 0; j < h; j++ {
			for i := 0; i < h; i++ {
				next[j] += f.wh[i][j] * dpre[i]
			}
		}
		dh = next
	}

	lr := f.config.LearningRate
	for i := 0; i < h; i++ {
		f.wo[i] -= lr * clip(gwo[i])
		f.wx[i] -= lr * clip(gwx[i])
		f.bh[i] -= lr * clip(gbh[i])
		for j := 0; j < h; j++ {
			f.wh[i][j] -= lr * clip(gwh[i][j])
		}
	}
	f.bo -= lr * dy
}

func clip(g float64) float64 {
	return math.Max(-gradientClip, math.Min(gradientClip, g))
}

// Seasonality returns, for each phase of a fixed period, the mean of the
// series values at that phase. Phases with no values are 0.
func Seasonality(series []float64, period int) []float64 {
	if period <= 0 {
		period = DefaultSeasonalityPeriod
	}
	sums := make([]float64, period)
	counts := make([]int, period)
	for i, v := range series {
		sums[i%period] += v
		counts[i%period]++
	}
	for p := range sums {
		if counts[p] > 0 {
			sums[p] /= float64(counts[p])
		}
	}
	return sums
}

// Trend returns the ordinary-least-squares line over index/value pairs,
// evaluated at each index. A single point returns itself; two points give
// the line through them.
func Trend(series []float64) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	intercept, slope := mean(series), 0.0

	switch {
	case len(series) == 2:
		// regression needs more observations than coefficients.
		intercept, slope = series[0], series[1]-series[0]
	case !constant(series):
		var r regression.Regression
		r.SetObserved("amount")
		r.SetVar(0, "month")
		for i, v := range series {
			r.Train(regression.DataPoint(v, []float64{float64(i)}))
		}
		if err := r.Run(); err == nil {
			if coeffs := r.GetCoeffs(); len(coeffs) == 2 {
				intercept, slope = coeffs[0], coeffs[1]
			}
		}
	}

	for i := range out {
		out[i] = intercept + slope*float64(i)
	}
	return out
}

func constant(series []float64) bool {
	for _, v := range series[1:] {
		if v != series[0] {
			return false
		}
	}
	return true
}
