package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"donor-insights/internal/api"
	"donor-insights/internal/app"
	"donor-insights/internal/cfg"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	app.SetupLogging(c)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Open(ctx, c)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open runtime")
	}
	defer rt.Close()

	hub := api.NewHub(rt.Metrics)
	hub.Start()
	defer hub.Stop()
	rt.Engine.SetListener(hub)

	var snapshots api.SnapshotStore
	if rt.Snapshots != nil {
		snapshots = rt.Snapshots
	}
	server := api.NewServer(api.ServerConfig{
		Port:         c.APIPort,
		TrainTimeout: c.TrainTimeout,
		Gatherer:     rt.Registry,
	}, rt.Engine, snapshots, hub, rt.Metrics)

	var wg sync.WaitGroup
	startAPIServer(ctx, &wg, server, cancel)
	startTrainingLoop(ctx, &wg, rt, c.RetrainInterval)

	waitForShutdown(ctx, cancel, &wg, server)
}

// startAPIServer serves the HTTP API until the server is shut down. A listen
// failure cancels ctx.
func startAPIServer(ctx context.Context, wg *sync.WaitGroup, server *api.Server, cancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()
}

// startTrainingLoop trains once at startup and then every interval. An
// interval of zero disables retraining.
func startTrainingLoop(ctx context.Context, wg *sync.WaitGroup, rt *app.Runtime, interval time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		train := func() {
			if err := rt.Train(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Scheduled training failed")
			}
		}
		train()

		if interval <= 0 {
			log.Info().Msg("Periodic retraining disabled")
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				train()
			}
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, server *api.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
