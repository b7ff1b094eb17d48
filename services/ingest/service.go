// Package ingest turns artwork pictures into vector index records. Service
// runs one ingestion, Worker drives it from bus events and Backfiller from
// the catalog.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"artdb/pkg/imagenorm"
	"artdb/pkg/metrics"
	"artdb/pkg/vectorindex"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// ErrUnconfirmed is reported when the index accepted a record but it was not
// visible afterwards.
var ErrUnconfirmed = errors.New("vector record not confirmed")

// Fetcher downloads a remote image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Normalizer bounds an image to the index payload budget.
type Normalizer interface {
	Verify(raw []byte) error
	Normalize(raw []byte, maxBytes int64) (imagenorm.Image, error)
}

// Indexer hands out scoped vector index connections.
type Indexer interface {
	WithConn(ctx context.Context, fn func(*vectorindex.Conn) error) error
}

// Result is the outcome of one ingestion. ID is set only when the record was
// stored and confirmed.
type Result struct {
	ID  string
	Err error
}

// OK reports whether the record was stored.
func (r Result) OK() bool { return r.Err == nil && r.ID != "" }

// Options tunes a Service. Zero values take the defaults.
type Options struct {
	Attempts     int
	Backoff      time.Duration
	ResizeTarget int64
	Logger       zerolog.Logger
}

// Service ingests artwork images into the vector index.
type Service struct {
	fetcher    Fetcher
	normalizer Normalizer
	index      Indexer
	attempts   int
	backoff    time.Duration
	target     int64
	logger     zerolog.Logger
}

func New(fetcher Fetcher, normalizer Normalizer, index Indexer, opts Options) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if index == nil {
		return nil, errors.New("index is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	} else if opts.Backoff == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.ResizeTarget <= 0 {
		opts.ResizeTarget = imagenorm.DefaultTarget
	}
	return &Service{
		fetcher:    fetcher,
		normalizer: normalizer,
		index:      index,
		attempts:   opts.Attempts,
		backoff:    opts.Backoff,
		target:     opts.ResizeTarget,
		logger:     opts.Logger,
	}, nil
}

// AddImage downloads imageURL through the pinned fetcher and stores it for
// the artwork. It never panics or returns a bare error; failures are carried
// in Result.Err.
func (s *Service) AddImage(ctx context.Context, artworkID, authorID int64, imageURL string) Result {
	log := s.logger.With().Int64("artwork_id", artworkID).Int64("author_id", authorID).Logger()

	raw, err := s.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		log.Error().Err(err).Msg("fetch image")
		return s.finish(log, Result{Err: fmt.Errorf("fetch image: %w", err)})
	}
	return s.store(ctx, log, artworkID, authorID, raw)
}

// AddImageBytes stores an image the caller already holds, such as an admin
// upload.
func (s *Service) AddImageBytes(ctx context.Context, artworkID, authorID int64, raw []byte) Result {
	log := s.logger.With().Int64("artwork_id", artworkID).Int64("author_id", authorID).Logger()

	if err := s.normalizer.Verify(raw); err != nil {
		log.Error().Err(err).Msg("verify image")
		return s.finish(log, Result{Err: fmt.Errorf("verify image: %w", err)})
	}
	return s.store(ctx, log, artworkID, authorID, raw)
}

func (s *Service) store(ctx context.Context, log zerolog.Logger, artworkID, authorID int64, raw []byte) Result {
	img, err := s.normalizer.Normalize(raw, s.target)
	if err != nil {
		log.Error().Err(err).Msg("normalize image")
		return s.finish(log, Result{Err: fmt.Errorf("normalize image: %w", err)})
	}
	rec := vectorindex.NewRecord(artworkID, authorID, img.Base64())

	attempt := 0
	var id string
	op := func() error {
		attempt++
		metrics.IngestAttempts.Inc()
		return s.index.WithConn(ctx, func(c *vectorindex.Conn) error {
			var err error
			id, err = c.Upsert(ctx, rec)
			if errors.Is(err, vectorindex.ErrInvalid) {
				return backoff.Permanent(err)
			}
			return err
		})
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("vector upsert failed")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.backoff), uint64(s.attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		log.Error().Err(err).Int("attempts", attempt).Msg("vector upsert gave up")
		return s.finish(log, Result{Err: fmt.Errorf("upsert artwork %d: %w", artworkID, err)})
	}
	if id == "" {
		return s.finish(log, Result{Err: ErrUnconfirmed})
	}
	return s.finish(log, Result{ID: id})
}

func (s *Service) finish(log zerolog.Logger, res Result) Result {
	outcome := outcomeOf(res)
	metrics.IngestOutcomes.WithLabelValues(outcome).Inc()
	if res.OK() {
		log.Info().Str("id", res.ID).Msg("artwork indexed")
	} else {
		log.Warn().Err(res.Err).Str("outcome", outcome).Msg("artwork not indexed")
	}
	return res
}

func outcomeOf(res Result) string {
	switch {
	case res.OK():
		return "ok"
	case errors.Is(res.Err, ErrUnconfirmed):
		return "unconfirmed"
	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(res.Err, vectorindex.ErrConnection):
		return "exhausted"
	case errors.Is(res.Err, vectorindex.ErrInvalid):
		return "rejected"
	default:
		return "image_error"
	}
}
