// Package metrics provides Prometheus metrics collection for the donor
// analytics service. It defines the training, prediction and API metrics
// exposed via the /metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Training metrics
	TrainingRuns     prometheus.Counter   // Successful training passes
	TrainingFailures prometheus.Counter   // Failed training passes
	TrainingDuration prometheus.Histogram // Wall time of a training pass
	DonorsTrained    prometheus.Gauge     // Population size of the active model set
	ModelAge         prometheus.Gauge     // Seconds since the active model set was trained

	// Prediction metrics
	Predictions        prometheus.Counter
	PredictionFailures prometheus.Counter
	PredictionLatency  prometheus.Histogram
	EnsembleConfidence prometheus.Histogram // Distribution of ensemble confidence scores

	// API metrics
	HTTPRequests     *prometheus.CounterVec   // Requests by route and status code
	HTTPLatency      *prometheus.HistogramVec // Request latency by route
	WSClients        prometheus.Gauge         // Connected training event subscribers
	SnapshotsStored  prometheus.Counter       // Prediction snapshots written to history
	SnapshotFailures prometheus.Counter
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TrainingRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "donor_training_runs_total",
			Help: "Total number of successful training passes",
		}),
		TrainingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "donor_training_failures_total",
			Help: "Total number of failed training passes",
		}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "donor_training_duration_seconds",
			Help:    "Duration of training passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		DonorsTrained: factory.NewGauge(prometheus.GaugeOpts{
			Name: "donor_training_population",
			Help: "Number of donors in the active model set's training population",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "donor_model_age_seconds",
			Help: "Age of the active model set in seconds",
		}),
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "donor_predictions_total",
			Help: "Total number of predictions served",
		}),
		PredictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "donor_prediction_failures_total",
			Help: "Total number of failed predictions",
		}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "donor_prediction_latency_seconds",
			Help:    "Prediction latency in seconds (end-to-end)",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		EnsembleConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "donor_ensemble_confidence",
			Help:    "Distribution of ensemble confidence scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "donor_http_requests_total",
			Help: "Total number of API requests by route and status code",
		}, []string{"route", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "donor_http_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "donor_ws_clients",
			Help: "Number of connected training event subscribers",
		}),
		SnapshotsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "donor_prediction_snapshots_total",
			Help: "Total number of prediction snapshots stored",
		}),
		SnapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "donor_prediction_snapshot_failures_total",
			Help: "Total number of prediction snapshots that failed to store",
		}),
	}
}
