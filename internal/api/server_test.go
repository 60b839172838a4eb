package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donor-insights/internal/donor"
	"donor-insights/internal/features"
	"donor-insights/internal/metrics"
	"donor-insights/internal/ml"
	"donor-insights/internal/storage"
)

var categories = []string{"education", "health", "water"}

func population(n int) []donor.Record {
	now := time.Now().UTC()
	out := make([]donor.Record, n)
	for i := range out {
		r := donor.Record{ID: fmt.Sprintf("donor-%02d", i)}
		for g := 0; g < 1+i%5; g++ {
			r.Donations = append(r.Donations, donor.Donation{
				Amount:          float64(25 + 10*(i%6) + 5*g),
				OccurredAt:      now.AddDate(0, -(2*g + i%3), -i),
				ProjectCategory: categories[(i+g)%len(categories)],
			})
		}
		for c := 0; c < i%4; c++ {
			r.Communications = append(r.Communications, donor.Communication{
				OccurredAt: now.Add(-time.Duration(30*c+i) * time.Hour),
				Response:   (i+c)%2 == 0,
			})
		}
		out[i] = r
	}
	return out
}

func smallEngineConfig() ml.EngineConfig {
	cfg := ml.DefaultEngineConfig()
	cfg.LifetimeValue.Iterations = 20
	cfg.GBMDepthWise.Iterations = 20
	cfg.GBMLeafWise.Iterations = 20
	cfg.Forest.Trees = 10
	cfg.AdaBoost.Estimators = 8
	cfg.Risk.Epochs = 50
	cfg.Forecaster.Epochs = 10
	return cfg
}

type testEnv struct {
	server   *Server
	engine   *ml.Engine
	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.PutDonors(population(24)...))

	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)
	wrapper := metrics.NewWrapper(m)

	engine := ml.NewEngine(store, smallEngineConfig(), wrapper)
	mm, err := ml.NewModelManager(t.TempDir())
	require.NoError(t, err)
	engine.SetModelManager(mm)

	srv := NewServer(ServerConfig{Port: 0, TrainTimeout: time.Minute, Gatherer: registry}, engine, store, nil, wrapper)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &testEnv{server: srv, engine: engine, store: store, registry: registry, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_UntrainedAnswersServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/donors/donor-01/prediction", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, ml.ErrNotReady.Error())

	rec = env.do(t, http.MethodPost, "/predict", PredictRequest{Features: make([]float64, features.Count)})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, ml.StatusUntrained.String(), health.ModelStatus)
}

func TestServer_TrainAndPredict(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/train?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	trained := decode[TrainResponse](t, rec)
	assert.Equal(t, "trained", trained.Status)
	assert.Equal(t, 24, trained.Info.DonorCount)
	assert.NotEmpty(t, trained.Info.Version)

	rec = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/donors/donor-03/prediction", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[ml.PredictionResult](t, rec)
	assert.Equal(t, "donor-03", result.DonorID)
	assert.Contains(t, ml.SegmentLabels[:], result.Segment)
	assert.Len(t, result.Forecast, smallEngineConfig().ForecastHorizon)
	assert.Equal(t, trained.Info.Version, result.ModelVersion)

	rec = env.do(t, http.MethodGet, "/donors/donor-03/predictions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]storage.PredictionSnapshot](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, result.PredictedAmount, history[0].PredictedAmount)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SnapshotsStored))

	rec = env.do(t, http.MethodGet, "/model/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[ml.ModelInfo](t, rec)
	assert.Equal(t, ml.StatusTrained.String(), info.Status)
	assert.Len(t, info.History, 1)
}

func TestServer_UnknownDonor(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/train?wait=true", nil).Code)

	rec := env.do(t, http.MethodGet, "/donors/ghost/prediction", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Predict(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/train?wait=true", nil).Code)

	rec := env.do(t, http.MethodPost, "/predict", PredictRequest{
		Features: []float64{4, 50, 0.3, 0.5, 0.5, 0.8},
		Series:   []float64{0, 50, 0, 50, 0, 50, 0, 0, 50, 0, 0, 50},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[ml.EnsemblePredictionResult](t, rec)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	assert.Len(t, result.ModelContributions, 4)
	assert.LessOrEqual(t, result.UncertaintyRange[0], result.PredictedAmount)
	assert.GreaterOrEqual(t, result.UncertaintyRange[1], result.PredictedAmount)

	rec = env.do(t, http.MethodPost, "/predict", PredictRequest{Features: []float64{1, 2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestServer_BackgroundTrain(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/train", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "training", decode[TrainResponse](t, rec).Status)

	env.server.Wait()
	assert.Equal(t, ml.StatusTrained, env.engine.Status())
}

func TestServer_HistoryValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/donors/donor-01/predictions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/donors/donor-01/predictions?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/donors/donor-01/predictions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	noHistory := NewServer(ServerConfig{}, env.engine, nil, nil, nil)
	raw := httptest.NewRecorder()
	noHistory.Handler().ServeHTTP(raw, httptest.NewRequest(http.MethodGet, "/donors/donor-01/predictions", nil))
	assert.Equal(t, http.StatusNotImplemented, raw.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil)
	env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/health", "200")))

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "donor_http_requests_total")
}

// blockingEngine holds TrainModels until released.
type blockingEngine struct {
	release chan struct{}
	err     error
}

func (b *blockingEngine) TrainModels(ctx context.Context) error {
	select {
	case <-b.release:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingEngine) PredictForDonor(context.Context, string) (ml.PredictionResult, error) {
	return ml.PredictionResult{}, ml.ErrNotReady
}

func (b *blockingEngine) Predict(features.Vector, features.TimeSeries) (ml.EnsemblePredictionResult, error) {
	return ml.EnsemblePredictionResult{}, ml.ErrNotReady
}

func (b *blockingEngine) Info() ml.ModelInfo {
	return ml.ModelInfo{Status: ml.StatusTraining.String()}
}

func TestServer_TrainConflict(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	srv := NewServer(ServerConfig{TrainTimeout: time.Minute}, engine, nil, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/train", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/train?wait=true", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(engine.release)
	srv.Wait()

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/train?wait=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_TrainingErrorMapsToInternalError(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{}), err: &ml.TrainingError{Model: "risk", Err: errors.New("diverged")}}
	close(engine.release)
	srv := NewServer(ServerConfig{}, engine, nil, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/train?wait=true", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "diverged")
}

func TestServer_ShutdownCancelsBackgroundTraining(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	srv := NewServer(ServerConfig{TrainTimeout: time.Hour}, engine, nil, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/train", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
