package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"artdb/pkg/db"
)

// Repository serves catalog reads and the column updates made by the admin
// upload flow.
type Repository struct {
	orm *gorm.DB
}

// NewRepository wraps a GORM session.
func NewRepository(orm *gorm.DB) (*Repository, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Repository{orm: orm}, nil
}

// ArtworksByIDs loads every listed artwork in a single query. Unknown ids are
// absent from the result.
func (r *Repository) ArtworksByIDs(ctx context.Context, ids []int64) (map[int64]Artwork, error) {
	out := make(map[int64]Artwork, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var models []artworkModel
	if err := r.orm.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load artworks: %w", err)
	}
	for _, m := range models {
		out[m.ID] = m.toAPI()
	}
	return out, nil
}

// ArtistsByIDs loads every listed artist, without nested artworks, in a
// single query.
func (r *Repository) ArtistsByIDs(ctx context.Context, ids []int64) (map[int64]Artist, error) {
	out := make(map[int64]Artist, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var models []artistModel
	if err := r.orm.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load artists: %w", err)
	}
	for _, m := range models {
		out[m.ID] = m.toAPI()
	}
	return out, nil
}

// ListArtists returns every artist with its artworks, ordered by name.
func (r *Repository) ListArtists(ctx context.Context) ([]Artist, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var models []artistModel
	err := r.orm.WithContext(ctx).
		Preload("Artworks", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Order("firstname").Order("surname").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list artists: %w", err)
	}

	out := make([]Artist, 0, len(models))
	for _, m := range models {
		a := m.toAPI()
		if a.Artworks == nil {
			a.Artworks = []Artwork{}
		}
		out = append(out, a)
	}
	return out, nil
}

// GetArtist returns one artist with its artworks.
func (r *Repository) GetArtist(ctx context.Context, id int64) (Artist, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var m artistModel
	err := r.orm.WithContext(ctx).
		Preload("Artworks", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Where("id = ?", id).First(&m).Error
	if err != nil {
		return Artist{}, notFound("artist", id, err)
	}
	a := m.toAPI()
	if a.Artworks == nil {
		a.Artworks = []Artwork{}
	}
	return a, nil
}

func (r *Repository) GetArtwork(ctx context.Context, id int64) (Artwork, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var m artworkModel
	if err := r.orm.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return Artwork{}, notFound("artwork", id, err)
	}
	return m.toAPI(), nil
}

// SetArtworkPicture stores the permanent URL of an artwork picture.
func (r *Repository) SetArtworkPicture(ctx context.Context, id int64, url string) error {
	return r.update(ctx, &artworkModel{}, "artwork", id, "picture_url", url)
}

// SetArtworkIndexID records the vector record id of an artwork picture. An
// empty id marks the artwork as not indexed.
func (r *Repository) SetArtworkIndexID(ctx context.Context, id int64, indexID string) error {
	return r.update(ctx, &artworkModel{}, "artwork", id, "picture_image_weaviate_id", indexID)
}

// SetArtistProfileImage stores the permanent URL of an artist portrait.
func (r *Repository) SetArtistProfileImage(ctx context.Context, id int64, url string) error {
	return r.update(ctx, &artistModel{}, "artist", id, "profile_image_url", url)
}

func (r *Repository) update(ctx context.Context, model any, kind string, id int64, column string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	res := r.orm.WithContext(ctx).Model(model).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("update %s %d: %w", kind, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func notFound(kind string, id int64, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", kind, id, err)
}
