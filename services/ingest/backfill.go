package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

const defaultBatchSize = 50

// BackfillReport summarises a backfill run.
type BackfillReport struct {
	Indexed int
	Failed  int
}

// Backfiller indexes every artwork that has a picture but no vector record.
type Backfiller struct {
	svc    *Service
	ledger Ledger
	logger zerolog.Logger
}

func NewBackfiller(svc *Service, ledger Ledger, logger zerolog.Logger) (*Backfiller, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	return &Backfiller{svc: svc, ledger: ledger, logger: logger}, nil
}

// Run walks pending artworks in id order. Failed artworks are skipped and
// stay pending for the next run.
func (b *Backfiller) Run(ctx context.Context, batchSize int) (BackfillReport, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var (
		report BackfillReport
		after  int64
	)
	for {
		batch, err := b.ledger.Pending(ctx, after, batchSize)
		if err != nil {
			return report, err
		}
		for _, art := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			after = art.ID

			res := b.svc.AddImage(ctx, art.ID, art.ArtistID, art.PictureURL)
			if !res.OK() {
				report.Failed++
				continue
			}
			if err := b.ledger.MarkIndexed(ctx, art.ID, res.ID); err != nil {
				return report, err
			}
			report.Indexed++
		}
		if len(batch) < batchSize {
			break
		}
	}

	b.logger.Info().Int("indexed", report.Indexed).Int("failed", report.Failed).Msg("backfill finished")
	return report, nil
}
