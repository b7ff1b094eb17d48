package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"artdb/pkg/bus"
	"artdb/pkg/catalog"
	"artdb/pkg/vectorindex"
)

const durableName = "ingest-artworks"

// ArtworkSaved is published whenever an artwork row or its picture changes.
type ArtworkSaved struct {
	ArtworkID int64 `json:"artwork_id"`
}

// ArtworkIndexed is published after an artwork picture has been stored in the
// vector index.
type ArtworkIndexed struct {
	ArtworkID int64     `json:"artwork_id"`
	ArtistID  int64     `json:"artist_id"`
	IndexID   string    `json:"index_id"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Ledger is the part of the catalog ingestion reads and writes.
type Ledger interface {
	Pending(ctx context.Context, after int64, limit int) ([]catalog.PendingArtwork, error)
	Lookup(ctx context.Context, artworkID int64) (catalog.PendingArtwork, error)
	MarkIndexed(ctx context.Context, artworkID int64, indexID string) error
}

// Broker is the event bus surface the worker needs.
type Broker interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
	Publish(ctx context.Context, subj string, v any) error
}

// Worker indexes artworks announced on the bus.
type Worker struct {
	svc    *Service
	ledger Ledger
	broker Broker
	logger zerolog.Logger

	subMu sync.Mutex
	sub   io.Closer
}

func NewWorker(svc *Service, ledger Ledger, broker Broker, logger zerolog.Logger) (*Worker, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if broker == nil {
		return nil, errors.New("broker is required")
	}
	return &Worker{svc: svc, ledger: ledger, broker: broker, logger: logger}, nil
}

// Start subscribes to artwork events and processes them until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil worker")
	}

	sub, err := w.broker.Subscribe(ctx, bus.ArtworkSavedSubject, durableName, w.handleSaved)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.ArtworkSavedSubject, err)
	}

	w.subMu.Lock()
	w.sub = sub
	w.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (w *Worker) Close() error {
	if w == nil {
		return nil
	}

	w.subMu.Lock()
	defer w.subMu.Unlock()

	if w.sub == nil {
		return nil
	}
	err := w.sub.Close()
	w.sub = nil
	return err
}

func (w *Worker) handleSaved(ctx context.Context, data []byte) error {
	var evt ArtworkSaved
	if err := json.Unmarshal(data, &evt); err != nil {
		return bus.Permanent(fmt.Errorf("decode event: %w", err))
	}
	if evt.ArtworkID <= 0 {
		return bus.Permanent(errors.New("artwork_id missing from event"))
	}

	art, err := w.ledger.Lookup(ctx, evt.ArtworkID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return bus.Permanent(err)
		}
		return err
	}
	if art.PictureURL == "" {
		w.logger.Debug().Int64("artwork_id", art.ID).Msg("artwork has no picture")
		return nil
	}

	res := w.svc.AddImage(ctx, art.ID, art.ArtistID, art.PictureURL)
	if !res.OK() {
		if errors.Is(res.Err, vectorindex.ErrConnection) {
			return res.Err
		}
		return bus.Permanent(res.Err)
	}

	if err := w.ledger.MarkIndexed(ctx, art.ID, res.ID); err != nil {
		return err
	}

	if err := w.broker.Publish(ctx, bus.ArtworkIndexedSubject, ArtworkIndexed{
		ArtworkID: art.ID,
		ArtistID:  art.ArtistID,
		IndexID:   res.ID,
		IndexedAt: time.Now().UTC(),
	}); err != nil {
		w.logger.Warn().Err(err).Int64("artwork_id", art.ID).Msg("publish indexed event")
	}
	return nil
}
