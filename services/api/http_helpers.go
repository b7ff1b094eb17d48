package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"artdb/pkg/catalog"
	"artdb/pkg/imagenorm"
	"artdb/pkg/safefetch"
	"artdb/pkg/vectorindex"
)

const maxJSONBody = 1 << 20

var errTooLarge = errors.New("upload too large")

// envelope is the body of every /v1 response.
type envelope struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Error   *string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	msg := err.Error()
	writeJSON(w, status, envelope{Error: &msg})
}

// respondFailure picks the status code from the error class.
func respondFailure(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, safefetch.ErrBlocked), errors.Is(err, vectorindex.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, vectorindex.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, safefetch.ErrFetch), errors.Is(err, imagenorm.ErrImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vectorindex.ErrConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// readUpload returns the bytes of a multipart file field, refusing anything
// larger than max.
func readUpload(w http.ResponseWriter, r *http.Request, field string, max int64) ([]byte, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, max+maxJSONBody)
	if err := r.ParseMultipartForm(max); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, errTooLarge
		}
		return nil, nil, fmt.Errorf("parse multipart form: %w", err)
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, max+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", field, err)
	}
	if int64(len(data)) > max {
		return nil, nil, errTooLarge
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%s file is empty", field)
	}
	return data, header, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
