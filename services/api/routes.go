package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"artdb/pkg/metrics"
	"artdb/pkg/telemetry"
)

const serviceName = "artdb-api"

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.Middleware(serviceName, a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           600,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/artists", a.handleListArtists)
		r.Get("/artists/{id}", a.handleGetArtist)
		r.Get("/artworks/{id}", a.handleGetArtwork)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.config.SearchRateLimit, time.Hour))
			r.Post("/search/artworks/by-image", a.handleArtworksByImage)
			r.Post("/search/artworks/by-url", a.handleArtworksByURL)
			r.Post("/search/authors/by-image", a.handleAuthorsByImage)
			r.Post("/search/authors/by-url", a.handleAuthorsByURL)
			r.Post("/search/by-vector", a.handleByVector)
			r.Get("/artworks/{id}/similar", a.handleSimilarArtworks)
			r.Get("/artworks/{id}/similar-authors", a.handleSimilarAuthors)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Post("/artworks/{id}/picture", a.handleUploadArtworkPicture)
			r.Post("/artworks/{id}/index", a.handleReindexArtwork)
			r.Post("/artists/{id}/profile-image", a.handleUploadProfileImage)
			r.Delete("/index/{id}", a.handleDeleteIndexRecord)
		})
	})

	return r, nil
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.config.AdminToken == "" {
			respondError(w, http.StatusForbidden, errors.New("admin endpoints are disabled"))
			return
		}
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.config.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store.Ready != nil {
		if err := a.store.Ready(r.Context()); err != nil {
			a.logger.Warn().Err(err).Msg("readiness check failed")
			respondError(w, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
