// Package api serves the analytics engine over HTTP: training triggers,
// per-donor predictions, stateless ensemble predictions, model metadata,
// Prometheus metrics and a websocket stream of training events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"donor-insights/internal/donor"
	"donor-insights/internal/features"
	"donor-insights/internal/metrics"
	"donor-insights/internal/ml"
	"donor-insights/internal/storage"
)

// DefaultHistoryWindow bounds /donors/{id}/predictions when no range is given.
const DefaultHistoryWindow = 90 * 24 * time.Hour

// Engine is the part of ml.Engine the server drives.
type Engine interface {
	TrainModels(ctx context.Context) error
	PredictForDonor(ctx context.Context, id string) (ml.PredictionResult, error)
	Predict(v features.Vector, series features.TimeSeries) (ml.EnsemblePredictionResult, error)
	Info() ml.ModelInfo
}

// SnapshotStore keeps the prediction history served by
// /donors/{id}/predictions.
type SnapshotStore interface {
	StorePrediction(snap storage.PredictionSnapshot) error
	GetPredictions(donorID string, start, end time.Time) ([]storage.PredictionSnapshot, error)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         int
	TrainTimeout time.Duration
	// Gatherer backs /metrics; nil uses the default Prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// PredictRequest is the body of POST /predict. Features follow the order of
// features.Names.
type PredictRequest struct {
	Features []float64 `json:"features"`
	Series   []float64 `json:"series"`
}

// TrainResponse is returned by POST /train.
type TrainResponse struct {
	Status string       `json:"status"`
	Info   ml.ModelInfo `json:"info"`
}

// HealthResponse is returned by /health and /ready.
type HealthResponse struct {
	Status      string    `json:"status"`
	ModelStatus string    `json:"model_status"`
	Version     string    `json:"version,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server provides the HTTP API for the analytics engine.
type Server struct {
	engine    Engine
	snapshots SnapshotStore
	hub       *Hub
	metrics   *metrics.MetricsWrapper
	config    ServerConfig

	router *mux.Router
	server *http.Server

	training atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer wires the routes. snapshots, hub and m are optional; pass an
// untyped nil to leave one out.
func NewServer(cfg ServerConfig, engine Engine, snapshots SnapshotStore, hub *Hub, m *metrics.MetricsWrapper) *Server {
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = 10 * time.Minute
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:    engine,
		snapshots: snapshots,
		hub:       hub,
		metrics:   m,
		config:    cfg,
		router:    mux.NewRouter(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.router.HandleFunc("/health", s.instrument("/health", s.handleHealth)).Methods("GET")
	s.router.HandleFunc("/ready", s.instrument("/ready", s.handleReady)).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/train", s.instrument("/train", s.handleTrain)).Methods("POST")
	s.router.HandleFunc("/predict", s.instrument("/predict", s.handlePredict)).Methods("POST")
	s.router.HandleFunc("/model/info", s.instrument("/model/info", s.handleModelInfo)).Methods("GET")
	s.router.HandleFunc("/donors/{id}/prediction", s.instrument("/donors/{id}/prediction", s.handleDonorPrediction)).Methods("GET")
	s.router.HandleFunc("/donors/{id}/predictions", s.instrument("/donors/{id}/predictions", s.handleDonorHistory)).Methods("GET")
	if hub != nil {
		s.router.HandleFunc("/ws", hub.ServeWS).Methods("GET")
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.TrainTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels background training, then gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	return s.server.Shutdown(ctx)
}

// Wait blocks until background training started by POST /train finishes.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health("ok"))
}

// handleReady answers 503 until a model set has been published.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	info := s.engine.Info()
	if info.TrainedAt == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthFrom("not_ready", info))
		return
	}
	writeJSON(w, http.StatusOK, healthFrom("ready", info))
}

func (s *Server) health(status string) HealthResponse {
	return healthFrom(status, s.engine.Info())
}

func healthFrom(status string, info ml.ModelInfo) HealthResponse {
	return HealthResponse{
		Status:      status,
		ModelStatus: info.Status,
		Version:     info.Version,
		Timestamp:   time.Now(),
	}
}

// handleTrain starts a training pass in the background and answers 202.
// With ?wait=true it trains synchronously and answers with the outcome.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if !s.training.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("training already in progress"))
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		defer s.training.Store(false)
		ctx, cancel := context.WithTimeout(r.Context(), s.config.TrainTimeout)
		defer cancel()

		if err := s.engine.TrainModels(ctx); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TrainResponse{Status: "trained", Info: s.engine.Info()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.training.Store(false)
		ctx, cancel := context.WithTimeout(s.ctx, s.config.TrainTimeout)
		defer cancel()

		if err := s.engine.TrainModels(ctx); err != nil {
			log.Error().Err(err).Msg("Background training failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, TrainResponse{Status: "training", Info: s.engine.Info()})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if len(req.Features) != features.Count {
		writeError(w, http.StatusBadRequest, fmt.Errorf("features must have %d values, got %d", features.Count, len(req.Features)))
		return
	}

	var v features.Vector
	copy(v[:], req.Features)

	result, err := s.engine.Predict(v, req.Series)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Info())
}

func (s *Server) handleDonorPrediction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := s.engine.PredictForDonor(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if s.snapshots != nil {
		err := s.snapshots.StorePrediction(Snapshot(result))
		if err != nil {
			log.Warn().Err(err).Str("donor_id", id).Msg("Failed to store prediction snapshot")
		}
		if s.metrics != nil {
			s.metrics.SnapshotStored(err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDonorHistory(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusNotImplemented, errors.New("prediction history is not stored by this deployment"))
		return
	}
	id := mux.Vars(r)["id"]

	end := time.Now()
	start := end.Add(-DefaultHistoryWindow)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
			return
		}
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, errors.New("to is before from"))
		return
	}

	snaps, err := s.snapshots.GetPredictions(id, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snaps == nil {
		snaps = []storage.PredictionSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// writeEngineError maps engine errors onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var trainErr *ml.TrainingError
	switch {
	case errors.Is(err, donor.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ml.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &trainErr):
		writeError(w, http.StatusInternalServerError, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency under the route template.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.ObserveRequest(route, rec.status, time.Since(start).Seconds())
	}
}

// Snapshot condenses a prediction into the record kept in prediction history.
func Snapshot(result ml.PredictionResult) storage.PredictionSnapshot {
	return storage.PredictionSnapshot{
		DonorID:         result.DonorID,
		Timestamp:       result.GeneratedAt,
		ModelVersion:    result.ModelVersion,
		Segment:         result.Segment,
		LifetimeValue:   result.LifetimeValue,
		PredictedAmount: result.PredictedAmount,
		Confidence:      result.Confidence,
		RiskScore:       result.RiskScore,
	}
}
