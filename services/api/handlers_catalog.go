package api

import "net/http"

func (a *API) handleListArtists(w http.ResponseWriter, r *http.Request) {
	artists, err := a.store.Catalog.ListArtists(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artists)
}

func (a *API) handleGetArtist(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	artist, err := a.store.Catalog.GetArtist(r.Context(), id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artist)
}

func (a *API) handleGetArtwork(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, artwork)
}
