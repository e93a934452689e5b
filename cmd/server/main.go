package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/server"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("TinyKPI server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().Str("version", server.Version).Msg("Starting TinyKPI server")

	store, disk, err := server.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	app, err := server.New(cfg, store, disk)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("port", cfg.Server.Port).
		Time("next_aggregation", app.Scheduler.NextRun(time.Now())).
		Msg("Server ready to accept requests")

	sup := server.NewSupervisor(app, logging.NewSlogLogger())
	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if report, rerr := sup.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("Some services did not stop in time")
	}
	logging.Info().Msg("TinyKPI server exited cleanly")
	return nil
}
