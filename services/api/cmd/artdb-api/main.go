package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"artdb/internal/bootstrap"
	"artdb/pkg/blobstore"
	"artdb/pkg/bus"
	"artdb/pkg/catalog"
	"artdb/pkg/config"
	"artdb/pkg/db"
	"artdb/pkg/telemetry"
	"artdb/services/api"
)

const serviceName = "artdb-api"

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

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	orm, err := db.OpenORM(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open orm")
	}
	defer func() {
		if err := db.CloseORM(orm); err != nil {
			logger.Error().Err(err).Msg("close orm")
		}
	}()

	repo, err := catalog.NewRepository(orm)
	if err != nil {
		logger.Fatal().Err(err).Msg("create catalog")
	}

	pipeline, err := bootstrap.NewPipeline(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build image pipeline")
	}

	store := &api.Store{
		Catalog:    repo,
		Index:      pipeline.Gateway,
		Fetcher:    pipeline.Fetcher,
		Normalizer: pipeline.Normalizer,
		Ingest:     pipeline.Ingest,
		Ready: func(ctx context.Context) error {
			return db.Ping(ctx, pool)
		},
		Logger: logger,
	}

	if cfg.S3.Endpoint != "" {
		blobs, err := blobstore.NewS3Store(ctx, cfg.S3)
		if err != nil {
			logger.Fatal().Err(err).Msg("create blob store")
		}
		store.Blobs = blobs
	} else {
		logger.Warn().Msg("S3_ENDPOINT not set; upload endpoints disabled")
	}

	if cfg.NATS.URL != "" {
		eventBus, err := bus.New(cfg.NATS.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(); err != nil {
			logger.Fatal().Err(err).Msg("ensure stream")
		}
		store.Bus = eventBus
	}

	a, err := api.New(store, api.Config{
		AdminToken:      cfg.AdminToken,
		AllowedOrigins:  cfg.AllowedOrigins,
		SearchRateLimit: cfg.SearchRateLimit,
		MaxUploadBytes:  cfg.Fetch.MaxBytes,
		ResizeTarget:    cfg.Fetch.ResizeTarget,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create api")
	}

	handler, err := a.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build routes")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting artdb-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
}
