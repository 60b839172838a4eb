package ml

import "time"

// Names of the ensemble regressors, in combination order.
const (
	ModelGBMDepthWise = "gbm_depthwise"
	ModelGBMLeafWise  = "gbm_leafwise"
	ModelRandomForest = "random_forest"
	ModelAdaBoost     = "adaboost"
)

// SegmentPredictor assigns a donor to one of SegmentLabels.
type SegmentPredictor interface {
	Predict(x []float64) string
}

// SequencePredictor forecasts a monthly series.
type SequencePredictor interface {
	Predict(series []float64) SequenceForecast
}

// NamedRegressor is one ensemble member.
type NamedRegressor struct {
	Name  string
	Model Regressor
}

// ModelState is every fitted model from one training pass. It is built in
// full before the Engine publishes it and is never modified afterwards, so
// any number of predictions may read it concurrently.
type ModelState struct {
	LifetimeValue Regressor
	Response      Classifier
	Segmenter     SegmentPredictor
	AskAmount     Regressor
	Risk          Classifier

	Ensemble   []NamedRegressor
	Forecaster SequencePredictor

	// FeatureImportance is the split-gain share per feature name reported by
	// the depth-wise boosted-trees member.
	FeatureImportance map[string]float64

	TrainedAt  time.Time
	DonorCount int
	Version    string
}

// EnsemblePredictionResult is the combined ensemble estimate and the sequence
// forecast for one feature vector.
type EnsemblePredictionResult struct {
	PredictedAmount    float64            `json:"predicted_amount"`
	Confidence         float64            `json:"confidence"`
	ModelContributions map[string]float64 `json:"model_contributions"`
	FeatureImportance  map[string]float64 `json:"feature_importance"`
	UncertaintyRange   [2]float64         `json:"uncertainty_range"`
	Forecast           []float64          `json:"forecast"`
	ForecastConfidence []float64          `json:"forecast_confidence"`
	Seasonality        []float64          `json:"seasonality"`
	Trend              []float64          `json:"trend"`
}

// PredictionResult is the full per-donor answer served to dashboards.
type PredictionResult struct {
	DonorID             string    `json:"donor_id"`
	Segment             string    `json:"segment"`
	LifetimeValue       float64   `json:"lifetime_value"`
	ResponseProbability float64   `json:"response_probability"`
	RecommendedAmount   float64   `json:"recommended_amount"`
	BestContactHour     int       `json:"best_contact_hour"`
	InterestTopics      []string  `json:"interest_topics"`
	RiskScore           float64   `json:"risk_score"`
	Reactivated         bool      `json:"reactivated"`
	ModelVersion        string    `json:"model_version,omitempty"`
	GeneratedAt         time.Time `json:"generated_at"`

	EnsemblePredictionResult
}
