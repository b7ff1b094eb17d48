package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"artdb/pkg/catalog"
	"artdb/pkg/metrics"
	"artdb/pkg/vectorindex"
)

type searchFunc func(ctx context.Context) ([]vectorindex.SearchHit, error)

type byURLRequest struct {
	ImageURL string `json:"image_url"`
	Limit    *int   `json:"limit"`
}

type byVectorRequest struct {
	Vector []float32 `json:"vector"`
	Limit  *int      `json:"limit"`
}

// search runs fn, joins the hits with the catalog and writes the matches.
func (a *API) search(w http.ResponseWriter, r *http.Request, kind string, fn searchFunc) {
	start := time.Now()
	defer func() {
		metrics.SearchLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	hits, err := fn(r.Context())
	if err != nil {
		a.logger.Debug().Err(err).Str("kind", kind).Msg("search failed")
		respondFailure(w, err)
		return
	}

	matches, err := a.assembler.Assemble(r.Context(), hits)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, matches)
}

// uploadedImage verifies and bounds an uploaded query image.
func (a *API) uploadedImage(raw []byte) (string, error) {
	if err := a.store.Normalizer.Verify(raw); err != nil {
		return "", err
	}
	img, err := a.store.Normalizer.Normalize(raw, a.config.ResizeTarget)
	if err != nil {
		return "", err
	}
	return img.Base64(), nil
}

// remoteImage downloads and bounds a query image.
func (a *API) remoteImage(ctx context.Context, url string) (string, error) {
	raw, err := a.store.Fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	img, err := a.store.Normalizer.Normalize(raw, a.config.ResizeTarget)
	if err != nil {
		return "", err
	}
	return img.Base64(), nil
}

func (a *API) readQueryImage(w http.ResponseWriter, r *http.Request, def int) (string, int, bool) {
	raw, _, err := readUpload(w, r, "image", a.config.MaxUploadBytes)
	if err != nil {
		respondUploadError(w, err)
		return "", 0, false
	}
	limit, err := parseLimit(r.FormValue("limit"), def)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	b64, err := a.uploadedImage(raw)
	if err != nil {
		respondFailure(w, err)
		return "", 0, false
	}
	return b64, limit, true
}

func (a *API) readURLRequest(w http.ResponseWriter, r *http.Request, def int) (string, int, bool) {
	var req byURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	if req.ImageURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("image_url is required"))
		return "", 0, false
	}
	return req.ImageURL, clampLimit(req.Limit, def), true
}

func (a *API) handleArtworksByImage(w http.ResponseWriter, r *http.Request) {
	b64, limit, ok := a.readQueryImage(w, r, defaultArtworksByImage)
	if !ok {
		return
	}
	a.search(w, r, "artworks_by_image", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		return a.store.Index.NearImage(ctx, b64, limit)
	})
}

func (a *API) handleArtworksByURL(w http.ResponseWriter, r *http.Request) {
	url, limit, ok := a.readURLRequest(w, r, defaultArtworksByURL)
	if !ok {
		return
	}
	a.search(w, r, "artworks_by_url", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		b64, err := a.remoteImage(ctx, url)
		if err != nil {
			return nil, err
		}
		return a.store.Index.NearImage(ctx, b64, limit)
	})
}

func (a *API) handleAuthorsByImage(w http.ResponseWriter, r *http.Request) {
	b64, limit, ok := a.readQueryImage(w, r, defaultAuthors)
	if !ok {
		return
	}
	a.search(w, r, "authors_by_image", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		return a.store.Index.NearImageGroupedByAuthor(ctx, b64, limit)
	})
}

func (a *API) handleAuthorsByURL(w http.ResponseWriter, r *http.Request) {
	url, limit, ok := a.readURLRequest(w, r, defaultAuthors)
	if !ok {
		return
	}
	a.search(w, r, "authors_by_url", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		b64, err := a.remoteImage(ctx, url)
		if err != nil {
			return nil, err
		}
		return a.store.Index.NearImageGroupedByAuthor(ctx, b64, limit)
	})
}

func (a *API) handleByVector(w http.ResponseWriter, r *http.Request) {
	var req byVectorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Vector) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("vector is required"))
		return
	}
	limit := clampLimit(req.Limit, defaultByVector)
	a.search(w, r, "by_vector", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		return a.store.Index.NearVector(ctx, req.Vector, limit)
	})
}

func (a *API) handleSimilarArtworks(w http.ResponseWriter, r *http.Request) {
	indexID, limit, ok := a.readSimilarRequest(w, r, defaultSimilar)
	if !ok {
		return
	}
	a.search(w, r, "similar_artworks", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		return a.store.Index.NearObject(ctx, indexID, limit)
	})
}

func (a *API) handleSimilarAuthors(w http.ResponseWriter, r *http.Request) {
	indexID, limit, ok := a.readSimilarRequest(w, r, defaultSimilarAuthors)
	if !ok {
		return
	}
	a.search(w, r, "similar_authors", func(ctx context.Context) ([]vectorindex.SearchHit, error) {
		return a.store.Index.DistinctAuthorsNearObject(ctx, indexID, limit)
	})
}

// readSimilarRequest resolves the artwork in the path to its index record.
func (a *API) readSimilarRequest(w http.ResponseWriter, r *http.Request, def int) (string, int, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), def)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	artwork, err := a.store.Catalog.GetArtwork(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return "", 0, false
	}
	if artwork.IndexID == "" {
		respondError(w, http.StatusNotFound, fmt.Errorf("%w: artwork %d is not indexed", catalog.ErrNotFound, id))
		return "", 0, false
	}
	return artwork.IndexID, limit, true
}

func respondUploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errTooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	respondError(w, http.StatusBadRequest, err)
}
