package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"donor-insights/internal/donor"
	"donor-insights/internal/features"
)

// Ensemble targets selectable at training time.
const (
	TargetAverageAmount = "average_amount"
	TargetLifetimeValue = "lifetime_value"
)

// topFeatureCount is how many features the version ledger and Info name.
const topFeatureCount = 3

// MetricsInterface defines metrics methods needed by the engine
type MetricsInterface interface {
	TrainingRunsInc()
	TrainingFailuresInc()
	TrainingDurationObserve(float64)
	DonorsTrainedSet(float64)
	PredictionsInc()
	PredictionFailuresInc()
	PredictionLatencyObserve(float64)
	ConfidenceObserve(float64)
	ModelAgeSet(float64)
}

// Status is the lifecycle stage of the engine's model set.
type Status int32

const (
	StatusUntrained Status = iota
	StatusTraining
	StatusTrained
)

func (s Status) String() string {
	switch s {
	case StatusTraining:
		return "training"
	case StatusTrained:
		return "trained"
	default:
		return "untrained"
	}
}

// Training event types delivered to a TrainingListener.
const (
	EventTrainingStarted   = "training_started"
	EventTrainingCompleted = "training_completed"
	EventTrainingFailed    = "training_failed"
)

// TrainingEvent describes a transition of a training pass.
type TrainingEvent struct {
	Type       string    `json:"type"`
	Version    string    `json:"version,omitempty"`
	DonorCount int       `json:"donor_count,omitempty"`
	Duration   float64   `json:"duration_seconds,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TrainingListener is notified synchronously of training events and must not
// block.
type TrainingListener interface {
	OnTrainingEvent(TrainingEvent)
}

// EngineConfig holds the hyperparameters of every model the engine trains.
type EngineConfig struct {
	Seed              int64  `yaml:"seed"`
	ForecastHorizon   int    `yaml:"forecast_horizon"`
	SeasonalityPeriod int    `yaml:"seasonality_period"`
	EnsembleTarget    string `yaml:"ensemble_target"`
	// Parallelism caps concurrent fits; 0 runs every fit at once.
	Parallelism int `yaml:"parallelism"`

	LifetimeValue GBMConfig       `yaml:"lifetime_value"`
	AskMaxDepth   int             `yaml:"ask_max_depth"`
	Response      LogisticConfig  `yaml:"response"`
	Segmenter     SegmenterConfig `yaml:"segmenter"`
	Risk          MLPConfig       `yaml:"risk"`

	GBMDepthWise GBMConfig      `yaml:"gbm_depthwise"`
	GBMLeafWise  GBMConfig      `yaml:"gbm_leafwise"`
	Forest       ForestConfig   `yaml:"random_forest"`
	AdaBoost     AdaBoostConfig `yaml:"adaboost"`
	Forecaster   RNNConfig      `yaml:"forecaster"`
}

// DefaultEngineConfig returns shallow, slow-learning settings suited to
// populations of a few hundred to a few thousand donors.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Seed:              42,
		ForecastHorizon:   12,
		SeasonalityPeriod: DefaultSeasonalityPeriod,
		EnsembleTarget:    TargetAverageAmount,
		LifetimeValue:     GBMConfig{Iterations: 100, LearningRate: 0.1, MaxDepth: 3},
		AskMaxDepth:       5,
		Response:          LogisticConfig{Epochs: 300, LearningRate: 0.5, L2: 0.01},
		Segmenter:         SegmenterConfig{MaxIterations: 100},
		Risk:              MLPConfig{Hidden: 8, Epochs: 500, LearningRate: 0.1},
		GBMDepthWise:      GBMConfig{Iterations: 100, LearningRate: 0.1, MaxDepth: 4},
		GBMLeafWise:       GBMConfig{Iterations: 100, LearningRate: 0.1, MaxLeaves: 15, LeafWise: true, MinSamplesLeaf: 2},
		Forest:            ForestConfig{Trees: 50, MaxDepth: 6, FeatureFraction: 0.5},
		AdaBoost:          AdaBoostConfig{Estimators: 30, MaxDepth: 3},
		Forecaster:        RNNConfig{Hidden: 8, Window: 3, Epochs: 150, LearningRate: 0.05},
	}
}

// Engine owns the trained model set, trains it from the donor repository and
// serves predictions against it. The model set is swapped atomically on every
// successful training pass; predictions never observe a partial set.
type Engine struct {
	repo      donor.Repository
	config    EngineConfig
	extractor *features.Extractor
	metrics   MetricsInterface

	state   atomic.Pointer[ModelState]
	status  atomic.Int32
	trainMu sync.Mutex

	listener          TrainingListener
	modelManager      *ModelManager
	featureImportance *FeatureImportance
}

// NewEngine creates an untrained engine reading donors from repo. metrics may
// be nil.
func NewEngine(repo donor.Repository, config EngineConfig, metrics MetricsInterface) *Engine {
	if config.ForecastHorizon <= 0 {
		config.ForecastHorizon = 12
	}
	if config.SeasonalityPeriod <= 0 {
		config.SeasonalityPeriod = DefaultSeasonalityPeriod
	}
	if config.EnsembleTarget == "" {
		config.EnsembleTarget = TargetAverageAmount
	}
	return &Engine{
		repo:      repo,
		config:    config,
		extractor: features.NewExtractor(),
		metrics:   metrics,
	}
}

// SetListener registers the receiver of training events. Call before the
// first training pass.
func (e *Engine) SetListener(l TrainingListener) {
	e.listener = l
}

// SetModelManager attaches a version ledger that records each successful
// training pass.
func (e *Engine) SetModelManager(mm *ModelManager) {
	e.modelManager = mm
}

// SetFeatureImportance attaches a tracker refreshed after each training pass.
func (e *Engine) SetFeatureImportance(fi *FeatureImportance) {
	e.featureImportance = fi
}

// SetExtractor replaces the feature extractor, typically to pin its clock.
func (e *Engine) SetExtractor(x *features.Extractor) {
	e.extractor = x
}

// Status reports the current lifecycle stage.
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// State returns the published model set, or nil before the first successful
// training pass.
func (e *Engine) State() *ModelState {
	return e.state.Load()
}

// SetState publishes a prebuilt model set, bypassing training.
func (e *Engine) SetState(s *ModelState) {
	e.state.Store(s)
	e.status.Store(int32(StatusTrained))
}

// trainingSet is the population matrix and every target derived from it.
type trainingSet struct {
	X        [][]float64
	ltv      []float64
	average  []float64
	response []float64
	risk     []float64
	series   [][]float64
}

func (e *Engine) buildTrainingSet(donors []donor.Record) trainingSet {
	ts := trainingSet{
		X:        make([][]float64, len(donors)),
		ltv:      make([]float64, len(donors)),
		average:  make([]float64, len(donors)),
		response: make([]float64, len(donors)),
		risk:     make([]float64, len(donors)),
		series:   make([][]float64, len(donors)),
	}
	for i, r := range donors {
		v := e.extractor.ExtractFeatures(r)
		ts.X[i] = v.Slice()
		ts.ltv[i] = r.LifetimeValue()
		ts.average[i] = v[features.AverageAmount]
		ts.response[i] = v[features.ResponseRate]
		ts.risk[i] = features.RiskTarget(v)
		ts.series[i] = e.extractor.ExtractTimeSeries(r)
	}
	return ts
}

// TrainModels fits every model over the full donor population and publishes
// the result. Concurrent calls are serialised. On failure the previously
// published model set, if any, stays in place.
func (e *Engine) TrainModels(ctx context.Context) error {
	e.trainMu.Lock()
	defer e.trainMu.Unlock()

	previous := Status(e.status.Swap(int32(StatusTraining)))
	start := time.Now()
	e.notify(TrainingEvent{Type: EventTrainingStarted, Timestamp: start})
	if e.metrics != nil {
		e.metrics.TrainingRunsInc()
	}

	state, err := e.train(ctx)
	if err != nil {
		e.status.Store(int32(previous))
		if e.metrics != nil {
			e.metrics.TrainingFailuresInc()
		}
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Training pass failed")
		e.notify(TrainingEvent{Type: EventTrainingFailed, Error: err.Error(), Timestamp: time.Now()})
		return err
	}

	elapsed := time.Since(start)
	top := TopFeatures(state.FeatureImportance, topFeatureCount)
	if e.modelManager != nil {
		v, err := e.modelManager.AddVersion(state.TrainedAt, ModelMetrics{
			DonorCount:      state.DonorCount,
			TrainingSeconds: elapsed.Seconds(),
			EnsembleTarget:  e.config.EnsembleTarget,
			TopFeatures:     top,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to persist model version")
		}
		state.Version = v.Version
	}

	e.state.Store(state)
	e.status.Store(int32(StatusTrained))

	if e.metrics != nil {
		e.metrics.TrainingDurationObserve(elapsed.Seconds())
		e.metrics.DonorsTrainedSet(float64(state.DonorCount))
		e.metrics.ModelAgeSet(0)
	}
	log.Info().
		Int("donors", state.DonorCount).
		Str("version", state.Version).
		Strs("top_features", top).
		Dur("elapsed", elapsed).
		Msg("Models trained")
	e.notify(TrainingEvent{
		Type:       EventTrainingCompleted,
		Version:    state.Version,
		DonorCount: state.DonorCount,
		Duration:   elapsed.Seconds(),
		Timestamp:  time.Now(),
	})
	return nil
}

func (e *Engine) train(ctx context.Context) (*ModelState, error) {
	donors, err := e.repo.GetAllDonors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load donors: %w", err)
	}
	ts := e.buildTrainingSet(donors)

	var target []float64
	switch e.config.EnsembleTarget {
	case TargetLifetimeValue:
		target = ts.ltv
	case TargetAverageAmount:
		target = ts.average
	default:
		return nil, fmt.Errorf("unknown ensemble target %q", e.config.EnsembleTarget)
	}

	seed := e.config.Seed
	ltv := NewGradientBoosting(e.config.LifetimeValue)
	response := NewLogisticClassifier(e.config.Response)
	segmenter := NewSegmenter(e.config.Segmenter, seed)
	ask := NewDecisionTree(e.config.AskMaxDepth, 1)
	risk := NewRiskScorer(e.config.Risk, seed)
	depthWise := NewGradientBoosting(e.config.GBMDepthWise)
	leafWise := NewGradientBoosting(e.config.GBMLeafWise)
	forest := NewRandomForest(e.config.Forest, seed)
	adaboost := NewAdaBoost(e.config.AdaBoost, seed)
	rnnConfig := e.config.Forecaster
	rnnConfig.Period = e.config.SeasonalityPeriod
	forecaster := NewSequenceForecaster(rnnConfig, seed)

	fits := []struct {
		name string
		fit  func(context.Context) error
	}{
		{"lifetime_value", func(ctx context.Context) error { return ltv.Train(ctx, ts.X, ts.ltv) }},
		{"campaign_response", func(ctx context.Context) error { return response.Train(ctx, ts.X, ts.response) }},
		{"segmenter", func(ctx context.Context) error { return segmenter.Train(ctx, ts.X, ts.ltv) }},
		{"ask_amount", func(ctx context.Context) error { return ask.Train(ctx, ts.X, ts.average) }},
		{"risk", func(ctx context.Context) error { return risk.Train(ctx, ts.X, ts.risk) }},
		{ModelGBMDepthWise, func(ctx context.Context) error { return depthWise.Train(ctx, ts.X, target) }},
		{ModelGBMLeafWise, func(ctx context.Context) error { return leafWise.Train(ctx, ts.X, target) }},
		{ModelRandomForest, func(ctx context.Context) error { return forest.Train(ctx, ts.X, target) }},
		{ModelAdaBoost, func(ctx context.Context) error { return adaboost.Train(ctx, ts.X, target) }},
		{"forecaster", func(ctx context.Context) error {
			return forecaster.Train(ctx, ts.series, e.config.ForecastHorizon)
		}},
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.config.Parallelism > 0 {
		g.SetLimit(e.config.Parallelism)
	}
	for _, f := range fits {
		g.Go(func() error {
			if err := f.fit(gctx); err != nil {
				return &TrainingError{Model: f.name, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A cancellation that lands after the last fit still abandons the pass.
	if err := ctx.Err(); err != nil {
		return nil, &TrainingError{Model: "engine", Err: err}
	}

	importance := depthWise.FeatureImportance()
	if e.featureImportance != nil {
		e.featureImportance.Update(ts.X, target, importance)
	}

	return &ModelState{
		LifetimeValue: ltv,
		Response:      response,
		Segmenter:     segmenter,
		AskAmount:     ask,
		Risk:          risk,
		Ensemble: []NamedRegressor{
			{Name: ModelGBMDepthWise, Model: depthWise},
			{Name: ModelGBMLeafWise, Model: leafWise},
			{Name: ModelRandomForest, Model: forest},
			{Name: ModelAdaBoost, Model: adaboost},
		},
		Forecaster:        forecaster,
		FeatureImportance: NamedImportance(importance, features.Names[:]),
		TrainedAt:         time.Now(),
		DonorCount:        len(donors),
	}, nil
}

// PredictForDonor assembles the full prediction for one donor. It fails with
// ErrNotReady before the first successful training pass and with an error
// wrapping donor.ErrNotFound for unknown ids.
func (e *Engine) PredictForDonor(ctx context.Context, id string) (PredictionResult, error) {
	start := time.Now()

	state := e.state.Load()
	if state == nil {
		e.predictionFailed()
		return PredictionResult{}, ErrNotReady
	}

	record, err := e.repo.GetDonorByID(ctx, id)
	if err != nil {
		e.predictionFailed()
		return PredictionResult{}, fmt.Errorf("failed to get donor %s: %w", id, err)
	}

	v := e.extractor.ExtractFeatures(record)
	series := e.extractor.ExtractTimeSeries(record)
	x := v.Slice()

	ensemble, err := predictEnsemble(state, x, series)
	if err != nil {
		e.predictionFailed()
		return PredictionResult{}, err
	}

	result := PredictionResult{
		DonorID:                  record.ID,
		Segment:                  state.Segmenter.Predict(x),
		LifetimeValue:            state.LifetimeValue.Predict(x),
		ResponseProbability:      clamp01(state.Response.PredictProbability(x)),
		RecommendedAmount:        state.AskAmount.Predict(x),
		BestContactHour:          features.BestCommunicationHour(record),
		InterestTopics:           features.InterestTopics(record),
		RiskScore:                clamp01(state.Risk.PredictProbability(x)),
		Reactivated:              e.extractor.IsReactivated(record),
		ModelVersion:             state.Version,
		GeneratedAt:              time.Now(),
		EnsemblePredictionResult: ensemble,
	}

	e.predictionServed(state, start, ensemble.Confidence)
	return result, nil
}

// Predict runs the ensemble and forecaster on features the caller already
// holds. It touches no repository.
func (e *Engine) Predict(v features.Vector, series features.TimeSeries) (EnsemblePredictionResult, error) {
	start := time.Now()

	state := e.state.Load()
	if state == nil {
		e.predictionFailed()
		return EnsemblePredictionResult{}, ErrNotReady
	}

	result, err := predictEnsemble(state, v.Slice(), series)
	if err != nil {
		e.predictionFailed()
		return EnsemblePredictionResult{}, err
	}
	e.predictionServed(state, start, result.Confidence)
	return result, nil
}

func predictEnsemble(state *ModelState, x []float64, series []float64) (EnsemblePredictionResult, error) {
	if len(state.Ensemble) == 0 {
		return EnsemblePredictionResult{}, errors.New("model set has no ensemble members")
	}

	predictions := make([]float64, len(state.Ensemble))
	for i, m := range state.Ensemble {
		predictions[i] = m.Model.Predict(x)
	}
	combined, err := Combine(predictions)
	if err != nil {
		return EnsemblePredictionResult{}, fmt.Errorf("failed to combine ensemble: %w", err)
	}

	contributions := make(map[string]float64, len(state.Ensemble))
	for i, m := range state.Ensemble {
		contributions[m.Name] = combined.Contributions[i]
	}
	importance := make(map[string]float64, len(state.FeatureImportance))
	for k, v := range state.FeatureImportance {
		importance[k] = v
	}

	forecast := state.Forecaster.Predict(series)
	return EnsemblePredictionResult{
		PredictedAmount:    combined.Amount,
		Confidence:         combined.Confidence,
		ModelContributions: contributions,
		FeatureImportance:  importance,
		UncertaintyRange:   combined.Uncertainty,
		Forecast:           forecast.Forecast,
		ForecastConfidence: forecast.Confidence,
		Seasonality:        forecast.Seasonality,
		Trend:              forecast.Trend,
	}, nil
}

func (e *Engine) predictionFailed() {
	if e.metrics != nil {
		e.metrics.PredictionFailuresInc()
	}
}

func (e *Engine) predictionServed(state *ModelState, start time.Time, confidence float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.PredictionsInc()
	e.metrics.PredictionLatencyObserve(time.Since(start).Seconds())
	e.metrics.ConfidenceObserve(confidence)
	if !state.TrainedAt.IsZero() {
		e.metrics.ModelAgeSet(time.Since(state.TrainedAt).Seconds())
	}
}

func (e *Engine) notify(ev TrainingEvent) {
	if e.listener != nil {
		e.listener.OnTrainingEvent(ev)
	}
}

// ModelInfo summarises the engine for status endpoints.
type ModelInfo struct {
	Status            string             `json:"status"`
	Version           string             `json:"version,omitempty"`
	TrainedAt         *time.Time         `json:"trained_at,omitempty"`
	DonorCount        int                `json:"donor_count"`
	EnsembleTarget    string             `json:"ensemble_target"`
	ForecastHorizon   int                `json:"forecast_horizon"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	// TopFeatures and FeatureStats come from the feature importance tracker
	// and are empty when none is attached.
	TopFeatures  []string                 `json:"top_features,omitempty"`
	FeatureStats map[string]*FeatureStats `json:"feature_stats,omitempty"`
	History      []ModelVersion           `json:"history,omitempty"`
}

// Info reports the lifecycle stage and the published model set.
func (e *Engine) Info() ModelInfo {
	info := ModelInfo{
		Status:          e.Status().String(),
		EnsembleTarget:  e.config.EnsembleTarget,
		ForecastHorizon: e.config.ForecastHorizon,
	}
	if state := e.state.Load(); state != nil {
		trainedAt := state.TrainedAt
		info.Version = state.Version
		info.TrainedAt = &trainedAt
		info.DonorCount = state.DonorCount
		info.FeatureImportance = state.FeatureImportance
	}
	if e.featureImportance != nil {
		info.TopFeatures = e.featureImportance.GetTopFeatures(topFeatureCount)
		info.FeatureStats = e.featureImportance.GetFeatureImportance()
	}
	if e.modelManager != nil {
		info.History = e.modelManager.ListVersions()
	}
	return info
}
