// Package bootstrap builds the image pipeline shared by the artdb binaries
// from configuration.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"artdb/pkg/config"
	"artdb/pkg/imagenorm"
	"artdb/pkg/safefetch"
	"artdb/pkg/vectorindex"
	"artdb/services/ingest"
)

const (
	BackendWeaviate = "weaviate"
	BackendMemory   = "memory"
)

// Pipeline is everything needed to fetch, normalise, index and search images.
type Pipeline struct {
	Dialer     vectorindex.Dialer
	Gateway    *vectorindex.Gateway
	Normalizer *imagenorm.Normalizer
	Fetcher    *safefetch.Fetcher
	Ingest     *ingest.Service
}

// Dialer selects the vector index backend.
func Dialer(cfg config.Weaviate, logger zerolog.Logger) (vectorindex.Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendWeaviate:
		return vectorindex.NewWeaviateDialer(vectorindex.WeaviateConfig{
			Scheme:  cfg.Scheme,
			Host:    cfg.Host,
			APIKey:  cfg.APIKey,
			Class:   cfg.Class,
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
	case BackendMemory:
		logger.Warn().Msg("using in-memory vector index; records are lost on exit")
		return vectorindex.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown vector index backend %q", cfg.Backend)
	}
}

// NewPipeline wires the pipeline components from cfg.
func NewPipeline(cfg config.Config, logger zerolog.Logger) (*Pipeline, error) {
	dialer, err := Dialer(cfg.Weaviate, logger)
	if err != nil {
		return nil, err
	}
	gw, err := vectorindex.New(dialer, vectorindex.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	normalizer := imagenorm.New()
	if cfg.Fetch.MaxPixels > 0 {
		normalizer.MaxPixels = cfg.Fetch.MaxPixels
	}
	if cfg.Fetch.ResizeTarget > 0 {
		normalizer.Target = cfg.Fetch.ResizeTarget
	}
	normalizer.Logger = logger

	fetcher, err := safefetch.NewFetcher(safefetch.NewValidator(nil, logger), normalizer, safefetch.Options{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	svc, err := ingest.New(fetcher, normalizer, gw, ingest.Options{
		Attempts:     cfg.Fetch.IngestAttempts,
		Backoff:      cfg.Fetch.IngestBackoff,
		ResizeTarget: cfg.Fetch.ResizeTarget,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create ingest service: %w", err)
	}

	return &Pipeline{
		Dialer:     dialer,
		Gateway:    gw,
		Normalizer: normalizer,
		Fetcher:    fetcher,
		Ingest:     svc,
	}, nil
}
