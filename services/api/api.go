package api

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"artdb/pkg/blobstore"
	"artdb/pkg/catalog"
	"artdb/pkg/imagenorm"
	"artdb/pkg/vectorindex"
	"artdb/services/ingest"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultResizeTarget   = 8 << 20
	defaultSearchRate     = 30
)

// Catalog is the relational side of the API: reads for the public endpoints
// and the few writes the admin flow performs.
type Catalog interface {
	Lookup
	ListArtists(ctx context.Context) ([]catalog.Artist, error)
	GetArtist(ctx context.Context, id int64) (catalog.Artist, error)
	GetArtwork(ctx context.Context, id int64) (catalog.Artwork, error)
	SetArtworkPicture(ctx context.Context, id int64, url string) error
	SetArtworkIndexID(ctx context.Context, id int64, indexID string) error
	SetArtistProfileImage(ctx context.Context, id int64, url string) error
}

// Index is the subset of the vector index gateway used by the handlers.
type Index interface {
	NearImage(ctx context.Context, imageB64 string, limit int) ([]vectorindex.SearchHit, error)
	NearImageGroupedByAuthor(ctx context.Context, imageB64 string, groups int) ([]vectorindex.SearchHit, error)
	NearVector(ctx context.Context, vector []float32, limit int) ([]vectorindex.SearchHit, error)
	NearObject(ctx context.Context, id string, limit int) ([]vectorindex.SearchHit, error)
	DistinctAuthorsNearObject(ctx context.Context, id string, limit int) ([]vectorindex.SearchHit, error)
	Delete(ctx context.Context, id string) error
}

// Fetcher downloads query images from user supplied URLs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Normalizer verifies and shrinks query and upload images.
type Normalizer interface {
	Verify(raw []byte) error
	Normalize(raw []byte, maxBytes int64) (imagenorm.Image, error)
}

// Ingestor indexes artwork pictures.
type Ingestor interface {
	AddImage(ctx context.Context, artworkID, authorID int64, url string) ingest.Result
	AddImageBytes(ctx context.Context, artworkID, authorID int64, raw []byte) ingest.Result
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Store holds external dependencies required by the API layer.
type Store struct {
	Catalog    Catalog
	Index      Index
	Fetcher    Fetcher
	Normalizer Normalizer
	Ingest     Ingestor
	// Blobs and Bus are optional. Without Blobs the upload endpoints answer
	// 424.
	Blobs blobstore.Store
	Bus   Publisher
	// Ready reports whether backing services are reachable. Nil means always
	// ready.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// AdminToken guards the write endpoints. Empty disables them.
	AdminToken     string
	AllowedOrigins []string
	// SearchRateLimit is the per-IP number of search requests per hour.
	SearchRateLimit int
	MaxUploadBytes  int64
	ResizeTarget    int64
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	store     *Store
	config    Config
	assembler *Assembler
	logger    zerolog.Logger
}

// New initialises the API layer with defaults applied to the provided configuration.
func New(store *Store, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Catalog == nil {
		return nil, errors.New("store catalog is required")
	}
	if store.Index == nil {
		return nil, errors.New("store index is required")
	}
	if store.Fetcher == nil {
		return nil, errors.New("store fetcher is required")
	}
	if store.Normalizer == nil {
		return nil, errors.New("store normalizer is required")
	}
	if store.Ingest == nil {
		return nil, errors.New("store ingest is required")
	}

	if cfg.SearchRateLimit <= 0 {
		cfg.SearchRateLimit = defaultSearchRate
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ResizeTarget <= 0 {
		cfg.ResizeTarget = defaultResizeTarget
	}

	assembler, err := NewAssembler(store.Catalog)
	if err != nil {
		return nil, err
	}

	return &API{
		store:     store,
		config:    cfg,
		assembler: assembler,
		logger:    store.Logger,
	}, nil
}
