package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"artdb/internal/bootstrap"
	"artdb/pkg/bus"
	"artdb/pkg/catalog"
	"artdb/pkg/config"
	"artdb/pkg/db"
	"artdb/pkg/telemetry"
	"artdb/services/ingest"
)

const serviceName = "ingest-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := telemetry.SetupLogger(serviceName, cfg.LogFormat, cfg.LogLevel)

	cleanup, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	ledger, err := catalog.NewIndexLedger(pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("create ledger")
	}

	pipeline, err := bootstrap.NewPipeline(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build image pipeline")
	}

	eventBus, err := bus.New(cfg.NATS.URL, logger,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer eventBus.Close()

	if err := eventBus.EnsureStream(); err != nil {
		logger.Fatal().Err(err).Msg("ensure stream")
	}

	worker, err := ingest.NewWorker(pipeline.Ingest, ledger, eventBus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create worker")
	}
	if err := worker.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	defer func() {
		if err := worker.Close(); err != nil {
			logger.Error().Err(err).Msg("close worker")
		}
	}()

	logger.Info().Str("subject", bus.ArtworkSavedSubject).Msg("ingest worker running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}
