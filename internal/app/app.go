// Package app wires the components both binaries share from loaded
// settings: logging, the donor store, metrics and the analytics engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"donor-insights/internal/cfg"
	"donor-insights/internal/common"
	"donor-insights/internal/donor"
	"donor-insights/internal/features"
	"donor-insights/internal/metrics"
	"donor-insights/internal/ml"
	"donor-insights/internal/storage"
)

// FeatureImportanceFile is the file, under the models directory, holding
// accumulated feature importance statistics.
const FeatureImportanceFile = "feature_importance.json"

// SetupLogging applies the configured level and output format to the global
// logger.
func SetupLogging(s cfg.Settings) {
	zerolog.SetGlobalLevel(s.ZerologLevel())
	zerolog.TimeFieldFormat = time.RFC3339
	if s.LogFormat == common.LogFormatConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// Runtime is the set of components opened from Settings. Close releases
// them in reverse order.
type Runtime struct {
	Settings cfg.Settings
	Repo     donor.Repository
	// Snapshots is the bolt store used for prediction history. It is nil
	// with the postgres backend when no data path is configured.
	Snapshots *storage.Store
	Registry  *prometheus.Registry
	Metrics   *metrics.MetricsWrapper
	Engine    *ml.Engine
	Models    *ml.ModelManager
	Features  *ml.FeatureImportance

	putDonors func(ctx context.Context, records ...donor.Record) error
	closers   []func()
}

// Open connects the configured store and builds an engine over it.
func Open(ctx context.Context, s cfg.Settings) (*Runtime, error) {
	rt := &Runtime{Settings: s}
	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = metrics.NewWrapper(metrics.NewWithRegistry(rt.Registry))

	mm, err := ml.NewModelManager(s.ModelsDir)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Models = mm

	// The tracker seeds itself from the file when it exists.
	rt.Features = ml.NewFeatureImportance(features.Names[:], filepath.Join(s.ModelsDir, FeatureImportanceFile))

	rt.Engine = ml.NewEngine(rt.Repo, s.Engine, rt.Metrics)
	rt.Engine.SetModelManager(mm)
	rt.Engine.SetFeatureImportance(rt.Features)
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	switch rt.Settings.Store {
	case common.StorePostgres:
		pool, err := storage.NewPostgresPool(ctx, rt.Settings.DatabaseURL)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, pool.Close)

		pg := storage.NewPostgresRepository(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		rt.Repo = pg
		rt.putDonors = pg.PutDonors

		if rt.Settings.DataPath != "" {
			store, err := storage.New(rt.Settings.DataPath)
			if err != nil {
				log.Warn().Err(err).Msg("Snapshot storage unavailable, prediction history disabled")
				return nil
			}
			rt.Snapshots = store
			rt.closers = append(rt.closers, func() { store.Close() })
		}
		log.Info().Msg("Using postgres donor store")
		return nil

	case common.StoreBolt, "":
		store, err := storage.New(rt.Settings.DataPath)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { store.Close() })
		rt.Repo = store
		rt.Snapshots = store
		rt.putDonors = func(_ context.Context, records ...donor.Record) error {
			return store.PutDonors(records...)
		}
		log.Info().Str("path", rt.Settings.DataPath).Msg("Using bolt donor store")
		return nil
	}
	return fmt.Errorf("unknown store %q", rt.Settings.Store)
}

// PutDonors writes records to the configured store, replacing donors with
// the same id.
func (rt *Runtime) PutDonors(ctx context.Context, records ...donor.Record) error {
	if rt.putDonors == nil {
		return errors.New("store is read-only")
	}
	return rt.putDonors(ctx, records...)
}

// Train runs one training pass bounded by the configured timeout.
func (rt *Runtime) Train(ctx context.Context) error {
	if rt.Settings.TrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.Settings.TrainTimeout)
		defer cancel()
	}
	return rt.Engine.TrainModels(ctx)
}

// Close releases every opened resource. It is safe to call more than once.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
