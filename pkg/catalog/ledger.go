package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"artdb/pkg/db"
)

// PendingArtwork is an artwork with an archived picture and no vector record.
type PendingArtwork struct {
	ID         int64  `db:"id"`
	ArtistID   int64  `db:"artist_id"`
	PictureURL string `db:"picture_url"`
}

// IndexLedger tracks which artworks have been indexed. The ingest worker and
// the backfill job use it directly on the pgx pool.
type IndexLedger struct {
	pool *pgxpool.Pool
}

func NewIndexLedger(pool *pgxpool.Pool) (*IndexLedger, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &IndexLedger{pool: pool}, nil
}

// Pending returns up to limit unindexed artworks with an id above after,
// ordered by id.
func (l *IndexLedger) Pending(ctx context.Context, after int64, limit int) ([]PendingArtwork, error) {
	var rows []PendingArtwork
	err := db.Select(ctx, l.pool, &rows, `
SELECT id, artist_id, picture_url
FROM artworks
WHERE picture_url IS NOT NULL
  AND picture_url <> ''
  AND picture_image_weaviate_id = ''
  AND id > $1
ORDER BY id
LIMIT $2
`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending artworks: %w", err)
	}
	return rows, nil
}

// Lookup returns the artwork as a pending candidate regardless of its index
// state.
func (l *IndexLedger) Lookup(ctx context.Context, artworkID int64) (PendingArtwork, error) {
	var row PendingArtwork
	err := db.Get(ctx, l.pool, &row, `
SELECT id, artist_id, COALESCE(picture_url, '') AS picture_url
FROM artworks
WHERE id = $1
`, artworkID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return PendingArtwork{}, fmt.Errorf("artwork %d: %w", artworkID, ErrNotFound)
		}
		return PendingArtwork{}, fmt.Errorf("select artwork %d: %w", artworkID, err)
	}
	return row, nil
}

// MarkIndexed stores the vector record id for an artwork.
func (l *IndexLedger) MarkIndexed(ctx context.Context, artworkID int64, indexID string) error {
	tag, err := db.Exec(ctx, l.pool, `
UPDATE artworks SET picture_image_weaviate_id = $2 WHERE id = $1
`, artworkID, indexID)
	if err != nil {
		return fmt.Errorf("mark artwork %d indexed: %w", artworkID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artwork %d: %w", artworkID, ErrNotFound)
	}
	return nil
}
