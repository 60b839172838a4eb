package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"donor-insights/internal/donor"
	"donor-insights/internal/features"
	"donor-insights/internal/ml"
	"donor-insights/internal/storage"
)

// DefaultHoldoutFraction is the share of donors held out when the config
// leaves it unset.
const DefaultHoldoutFraction = 0.2

// ErrNoTrainingData is returned when the split leaves nothing to train on.
var ErrNoTrainingData = errors.New("backtest: no training donors")

// Config controls a backtest run.
type Config struct {
	HoldoutFraction float64
	Seed            int64
	Engine          ml.EngineConfig
	// Now anchors feature extraction for the training split. Defaults to
	// the wall clock.
	Now func() time.Time
}

// Engine trains the ensemble on part of a population and scores it on the
// rest. Each holdout donor's latest gift is hidden; the model sees the
// history before it and is judged on how well it predicts the hidden value.
type Engine struct {
	config  Config
	data    *DataLoader
	metrics ml.MetricsInterface
}

// Evaluation is the outcome for one holdout donor.
type Evaluation struct {
	DonorID    string    `json:"donor_id"`
	Cutoff     time.Time `json:"cutoff"`
	Actual     float64   `json:"actual"`
	Predicted  float64   `json:"predicted"`
	Baseline   float64   `json:"baseline"`
	Lower      float64   `json:"lower"`
	Upper      float64   `json:"upper"`
	Confidence float64   `json:"confidence"`
	Covered    bool      `json:"covered"`
}

// AbsError is |Predicted - Actual|.
func (ev Evaluation) AbsError() float64 {
	return math.Abs(ev.Predicted - ev.Actual)
}

// Results holds backtest results.
type Results struct {
	Target         string       `json:"target"`
	Seed           int64        `json:"seed"`
	TrainDonors    int          `json:"train_donors"`
	HoldoutDonors  int          `json:"holdout_donors"`
	Skipped        int          `json:"skipped"`
	MAE            float64      `json:"mae"`
	RMSE           float64      `json:"rmse"`
	BaselineMAE    float64      `json:"baseline_mae"`
	BaselineRMSE   float64      `json:"baseline_rmse"`
	Coverage       float64      `json:"coverage"`
	MeanConfidence float64      `json:"mean_confidence"`
	Evaluations    []Evaluation `json:"evaluations"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
}

// Improvement is the relative MAE reduction over the mean baseline. It is 0
// when the baseline is already perfect.
func (r *Results) Improvement() float64 {
	if r.BaselineMAE == 0 {
		return 0
	}
	return 1 - r.MAE/r.BaselineMAE
}

// NewEngine creates a backtest over the donors held by data. metrics may be
// nil.
func NewEngine(config Config, data *DataLoader, metrics ml.MetricsInterface) *Engine {
	if config.HoldoutFraction <= 0 || config.HoldoutFraction >= 1 {
		config.HoldoutFraction = DefaultHoldoutFraction
	}
	if config.Engine.EnsembleTarget == "" {
		config.Engine.EnsembleTarget = ml.TargetAverageAmount
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{config: config, data: data, metrics: metrics}
}

// Run executes the backtest.
func (e *Engine) Run(ctx context.Context) (*Results, error) {
	results := &Results{
		Target:    e.config.Engine.EnsembleTarget,
		Seed:      e.config.Seed,
		StartTime: time.Now(),
	}

	train, holdout := e.data.Split(e.config.HoldoutFraction, e.config.Seed)
	results.TrainDonors = len(train)
	results.HoldoutDonors = len(holdout)
	if len(train) == 0 {
		return nil, ErrNoTrainingData
	}

	log.Info().
		Int("train", len(train)).
		Int("holdout", len(holdout)).
		Str("target", results.Target).
		Msg("Starting backtest")

	extractor := &features.Extractor{Now: e.config.Now}
	engine := ml.NewEngine(storage.NewMemoryRepository(train...), e.config.Engine, e.metrics)
	engine.SetExtractor(extractor)
	if err := engine.TrainModels(ctx); err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	baseline, err := e.fitBaseline(ctx, extractor, train)
	if err != nil {
		return nil, err
	}

	for _, rec := range holdout {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, ok, err := e.evaluate(engine, baseline, rec)
		if err != nil {
			return nil, fmt.Errorf("donor %s: %w", rec.ID, err)
		}
		if !ok {
			results.Skipped++
			continue
		}
		results.Evaluations = append(results.Evaluations, ev)
	}

	e.calculateMetrics(results)
	results.EndTime = time.Now()

	log.Info().
		Int("evaluated", len(results.Evaluations)).
		Int("skipped", results.Skipped).
		Float64("mae", results.MAE).
		Float64("baseline_mae", results.BaselineMAE).
		Float64("coverage", results.Coverage).
		Msg("Backtest completed")
	return results, nil
}

func (e *Engine) target(r donor.Record, v features.Vector) float64 {
	if e.config.Engine.EnsembleTarget == ml.TargetLifetimeValue {
		return r.LifetimeValue()
	}
	return v[features.AverageAmount]
}

func (e *Engine) fitBaseline(ctx context.Context, extractor *features.Extractor, train []donor.Record) (*ml.MeanRegressor, error) {
	X := make([][]float64, len(train))
	y := make([]float64, len(train))
	for i, r := range train {
		v := extractor.ExtractFeatures(r)
		X[i] = v.Slice()
		y[i] = e.target(r, v)
	}
	baseline := ml.NewMeanRegressor(0)
	if err := baseline.Train(ctx, X, y); err != nil {
		return nil, fmt.Errorf("baseline training failed: %w", err)
	}
	return baseline, nil
}

// evaluate hides the donor's latest gift and predicts it from the rest of
// the history, as of the hidden gift's timestamp. Donors with fewer than two
// gifts are skipped.
func (e *Engine) evaluate(engine *ml.Engine, baseline *ml.MeanRegressor, rec donor.Record) (Evaluation, bool, error) {
	n := len(rec.Donations)
	if n < 2 {
		return Evaluation{}, false, nil
	}

	hidden := rec.Donations[n-1]
	seen := rec
	seen.Donations = rec.Donations[:n-1]

	asOf := &features.Extractor{Now: func() time.Time { return hidden.OccurredAt }}
	v := asOf.ExtractFeatures(seen)

	pred, err := engine.Predict(v, asOf.ExtractTimeSeries(seen))
	if err != nil {
		return Evaluation{}, false, err
	}

	actual := hidden.Amount
	if e.config.Engine.EnsembleTarget == ml.TargetLifetimeValue {
		actual = rec.LifetimeValue()
	}

	ev := Evaluation{
		DonorID:    rec.ID,
		Cutoff:     hidden.OccurredAt,
		Actual:     actual,
		Predicted:  pred.PredictedAmount,
		Baseline:   baseline.Predict(v.Slice()),
		Lower:      pred.UncertaintyRange[0],
		Upper:      pred.UncertaintyRange[1],
		Confidence: pred.Confidence,
	}
	ev.Covered = actual >= ev.Lower && actual <= ev.Upper
	return ev, true, nil
}

func (e *Engine) calculateMetrics(results *Results) {
	n := len(results.Evaluations)
	if n == 0 {
		return
	}

	var absSum, sqSum, baseAbsSum, baseSqSum float64
	covered := 0
	confidence := make([]float64, n)
	for i, ev := range results.Evaluations {
		d := ev.Predicted - ev.Actual
		absSum += math.Abs(d)
		sqSum += d * d

		b := ev.Baseline - ev.Actual
		baseAbsSum += math.Abs(b)
		baseSqSum += b * b

		if ev.Covered {
			covered++
		}
		confidence[i] = ev.Confidence
	}

	results.MAE = absSum / float64(n)
	results.RMSE = math.Sqrt(sqSum / float64(n))
	results.BaselineMAE = baseAbsSum / float64(n)
	results.BaselineRMSE = math.Sqrt(baseSqSum / float64(n))
	results.Coverage = float64(covered) / float64(n)
	results.MeanConfidence = stat.Mean(confidence, nil)
}
