package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"artdb/pkg/blobstore"
	"artdb/pkg/bus"
	"artdb/pkg/catalog"
	"artdb/services/ingest"
)

// indexOutcome reports what happened to the vector record after a write.
// The catalog row is saved even when indexing fails.
type indexOutcome struct {
	Artwork    catalog.Artwork `json:"artwork"`
	IndexID    string          `json:"index_id"`
	IndexError *string         `json:"index_error"`
}

func (a *API) handleUploadArtworkPicture(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if a.store.Blobs == nil {
		respondError(w, http.StatusFailedDependency, errors.New("blob store not configured"))
		return
	}

	artwork, err := a.store.Catalog.GetArtwork(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}

	raw, header, err := readUpload(w, r, "file", a.config.MaxUploadBytes)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	if err := a.store.Normalizer.Verify(raw); err != nil {
		respondFailure(w, err)
		return
	}

	url, err := a.archive(r.Context(), "artworks", header.Filename, raw)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if err := a.store.Catalog.SetArtworkPicture(r.Context(), id, url); err != nil {
		respondFailure(w, err)
		return
	}
	artwork.PictureURL = &url

	if err := a.dropIndexRecord(r.Context(), &artwork); err != nil {
		respondFailure(w, err)
		return
	}

	res := a.store.Ingest.AddImageBytes(r.Context(), artwork.ID, artwork.ArtistID, raw)
	a.respondIndexed(w, r, artwork, res)
}

func (a *API) handleReindexArtwork(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	artwork, err := a.store.Catalog.GetArtwork(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if !artwork.HasPicture() {
		respondError(w, http.StatusConflict, fmt.Errorf("artwork %d has no picture", id))
		return
	}

	res := a.store.Ingest.AddImage(r.Context(), artwork.ID, artwork.ArtistID, *artwork.PictureURL)
	if res.OK() && artwork.IndexID != "" && artwork.IndexID != res.ID {
		if err := a.store.Index.Delete(r.Context(), artwork.IndexID); err != nil {
			a.logger.Warn().Err(err).Str("index_id", artwork.IndexID).Msg("delete stale index record")
		}
	}
	a.respondIndexed(w, r, artwork, res)
}

func (a *API) handleUploadProfileImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if a.store.Blobs == nil {
		respondError(w, http.StatusFailedDependency, errors.New("blob store not configured"))
		return
	}

	raw, header, err := readUpload(w, r, "file", a.config.MaxUploadBytes)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	if err := a.store.Normalizer.Verify(raw); err != nil {
		respondFailure(w, err)
		return
	}

	url, err := a.archive(r.Context(), "artists", header.Filename, raw)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if err := a.store.Catalog.SetArtistProfileImage(r.Context(), id, url); err != nil {
		respondFailure(w, err)
		return
	}

	artist, err := a.store.Catalog.GetArtist(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artist)
}

func (a *API) handleDeleteIndexRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	if err := a.store.Index.Delete(r.Context(), id); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// archive stores an upload permanently and returns its public URL.
func (a *API) archive(ctx context.Context, prefix, filename string, raw []byte) (string, error) {
	key := blobstore.ObjectKey(prefix, filename, raw)
	url, err := a.store.Blobs.Put(ctx, key, http.DetectContentType(raw), raw)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", prefix, err)
	}
	return url, nil
}

// dropIndexRecord removes the artwork's current vector record and clears the
// reference to it.
func (a *API) dropIndexRecord(ctx context.Context, artwork *catalog.Artwork) error {
	if artwork.IndexID == "" {
		return nil
	}
	if err := a.store.Index.Delete(ctx, artwork.IndexID); err != nil {
		a.logger.Warn().Err(err).Str("index_id", artwork.IndexID).Msg("delete replaced index record")
	}
	if err := a.store.Catalog.SetArtworkIndexID(ctx, artwork.ID, ""); err != nil {
		return err
	}
	artwork.IndexID = ""
	return nil
}

// respondIndexed records a successful ingestion on the artwork and reports
// the outcome. A failed ingestion is still a 200: the row itself was saved
// and the ingest worker is asked to retry it.
func (a *API) respondIndexed(w http.ResponseWriter, r *http.Request, artwork catalog.Artwork, res ingest.Result) {
	out := indexOutcome{Artwork: artwork}
	if !res.OK() {
		msg := "indexing failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		out.IndexError = &msg
		a.publishJSON(r.Context(), bus.ArtworkSavedSubject, ingest.ArtworkSaved{ArtworkID: artwork.ID})
		respondJSON(w, http.StatusOK, out)
		return
	}

	if err := a.store.Catalog.SetArtworkIndexID(r.Context(), artwork.ID, res.ID); err != nil {
		respondFailure(w, err)
		return
	}
	out.IndexID = res.ID
	out.Artwork.IndexID = res.ID

	a.publishJSON(r.Context(), bus.ArtworkIndexedSubject, ingest.ArtworkIndexed{
		ArtworkID: artwork.ID,
		ArtistID:  artwork.ArtistID,
		IndexID:   res.ID,
		IndexedAt: time.Now().UTC(),
	})
	respondJSON(w, http.StatusOK, out)
}
