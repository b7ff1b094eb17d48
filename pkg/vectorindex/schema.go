package vectorindex

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
	"github.com/weaviate/weaviate/entities/schema"
)

const imageVectorizer = "img2vec-neural"

// ArtworksClass describes the collection holding artwork images.
func ArtworksClass(name string) *models.Class {
	if name == "" {
		name = DefaultClass
	}
	return &models.Class{
		Class:       name,
		Description: "Artwork images indexed for visual similarity",
		Vectorizer:  imageVectorizer,
		ModuleConfig: map[string]interface{}{
			imageVectorizer: map[string]interface{}{
				"imageFields": []string{PropImage},
			},
		},
		Properties: []*models.Property{
			{Name: PropArtworkID, DataType: []string{string(schema.DataTypeText)}, Description: "id of the artwork in postgresql"},
			{Name: PropAuthorID, DataType: []string{string(schema.DataTypeText)}, Description: "id of the artist in postgresql"},
			{Name: PropImage, DataType: []string{string(schema.DataTypeBlob)}, Description: "image"},
		},
	}
}

// EnsureSchema creates the artworks class when it is missing. With recreate
// set an existing class, and every record in it, is dropped first. It
// reports whether the class was created.
func (d *WeaviateDialer) EnsureSchema(ctx context.Context, recreate bool) (bool, error) {
	client, transport, err := d.newClient()
	if err != nil {
		return false, &ConnectionError{Op: "connect", Err: err}
	}
	defer transport.CloseIdleConnections()

	exists, err := client.Schema().ClassExistenceChecker().WithClassName(d.cfg.Class).Do(ctx)
	if err != nil {
		return false, classify("schema exists", err)
	}
	if exists && !recreate {
		return false, nil
	}
	if exists {
		if err := client.Schema().ClassDeleter().WithClassName(d.cfg.Class).Do(ctx); err != nil {
			return false, classify("schema delete", err)
		}
		d.cfg.Logger.Warn().Str("class", d.cfg.Class).Msg("dropped vector index class")
	}

	if err := client.Schema().ClassCreator().WithClass(ArtworksClass(d.cfg.Class)).Do(ctx); err != nil {
		return false, fmt.Errorf("create class %s: %w", d.cfg.Class, classify("schema create", err))
	}
	d.cfg.Logger.Info().Str("class", d.cfg.Class).Msg("created vector index class")
	return true, nil
}
