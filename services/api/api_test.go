package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"artdb/pkg/bus"
	"artdb/pkg/catalog"
	"artdb/pkg/imagenorm"
	"artdb/pkg/imagenorm/imagenormtest"
	"artdb/pkg/safefetch"
	"artdb/pkg/vectorindex"
	"artdb/services/ingest"
)

const adminToken = "s3cret"

var (
	red   = color.NRGBA{R: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

type fakeCatalog struct {
	mu             sync.Mutex
	artists        map[int64]catalog.Artist
	artworks       map[int64]catalog.Artwork
	artworkLookups int
	artistLookups  int
}

func (c *fakeCatalog) ArtworksByIDs(_ context.Context, ids []int64) (map[int64]catalog.Artwork, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artworkLookups++
	out := make(map[int64]catalog.Artwork, len(ids))
	for _, id := range ids {
		if a, ok := c.artworks[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (c *fakeCatalog) ArtistsByIDs(_ context.Context, ids []int64) (map[int64]catalog.Artist, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artistLookups++
	out := make(map[int64]catalog.Artist, len(ids))
	for _, id := range ids {
		if a, ok := c.artists[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (c *fakeCatalog) ListArtists(context.Context) ([]catalog.Artist, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Artist, 0, len(c.artists))
	for _, a := range c.artists {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Firstname < out[j].Firstname })
	return out, nil
}

func (c *fakeCatalog) GetArtist(_ context.Context, id int64) (catalog.Artist, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.artists[id]
	if !ok {
		return catalog.Artist{}, fmt.Errorf("artist %d: %w", id, catalog.ErrNotFound)
	}
	return a, nil
}

func (c *fakeCatalog) GetArtwork(_ context.Context, id int64) (catalog.Artwork, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.artworks[id]
	if !ok {
		return catalog.Artwork{}, fmt.Errorf("artwork %d: %w", id, catalog.ErrNotFound)
	}
	return a, nil
}

func (c *fakeCatalog) SetArtworkPicture(_ context.Context, id int64, url string) error {
	return c.updateArtwork(id, func(a *catalog.Artwork) { a.PictureURL = &url })
}

func (c *fakeCatalog) SetArtworkIndexID(_ context.Context, id int64, indexID string) error {
	return c.updateArtwork(id, func(a *catalog.Artwork) { a.IndexID = indexID })
}

func (c *fakeCatalog) SetArtistProfileImage(_ context.Context, id int64, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.artists[id]
	if !ok {
		return catalog.ErrNotFound
	}
	a.ProfileImageURL = &url
	c.artists[id] = a
	return nil
}

func (c *fakeCatalog) updateArtwork(id int64, fn func(*catalog.Artwork)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.artworks[id]
	if !ok {
		return catalog.ErrNotFound
	}
	fn(&a)
	c.artworks[id] = a
	return nil
}

func (c *fakeCatalog) artwork(id int64) catalog.Artwork {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artworks[id]
}

type stubFetcher struct {
	images map[string][]byte
	errs   map[string]error
}

func (f *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if data, ok := f.images[url]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: unexpected status 404", safefetch.ErrFetch)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[key] = data
	return "https://blobs.example.com/" + key, nil
}

type recordingBus struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (b *recordingBus) Publish(_ context.Context, subject string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, v)
	return nil
}

type harness struct {
	catalog *fakeCatalog
	idx     *vectorindex.MemoryIndex
	fetcher *stubFetcher
	blobs   *memBlobs
	bus     *recordingBus
	handler http.Handler
}

func solidPNG(t *testing.T, c color.Color) []byte {
	return imagenormtest.SolidPNG(t, 16, 16, c)
}

// splitPNG is left half a, right half b.
func splitPNG(t *testing.T, a, b color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if x < 8 {
				img.Set(x, y, a)
			} else {
				img.Set(x, y, b)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func ptr[T any](v T) *T { return &v }

// newHarness seeds two artists and four artworks. Artworks 10 (red), 11 (red
// and white) and 20 (blue) are indexed; 30 has no picture.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		catalog: &fakeCatalog{
			artists: map[int64]catalog.Artist{
				1: {ID: 1, Firstname: "Alfons", Surname: "Mucha", Name: "Alfons Mucha", MediaTypes: []string{}, SimilarAuthorsPostgresIDs: []int64{}},
				2: {ID: 2, Firstname: "Toyen", Name: "Toyen", MediaTypes: []string{}, SimilarAuthorsPostgresIDs: []int64{}},
			},
			artworks: map[int64]catalog.Artwork{
				10: {ID: 10, ArtistID: 1, Title: "Red", PictureURL: ptr("https://img.example.com/10.png")},
				11: {ID: 11, ArtistID: 1, Title: "Red and white", PictureURL: ptr("https://img.example.com/11.png")},
				20: {ID: 20, ArtistID: 2, Title: "Blue", PictureURL: ptr("https://img.example.com/20.png")},
				30: {ID: 30, ArtistID: 2, Title: "without name"},
			},
		},
		idx:     vectorindex.NewMemoryIndex(),
		fetcher: &stubFetcher{images: map[string][]byte{}, errs: map[string]error{}},
		blobs:   &memBlobs{},
		bus:     &recordingBus{},
	}

	gw, err := vectorindex.New(h.idx, vectorindex.WithSettle(0))
	require.NoError(t, err)
	svc, err := ingest.New(h.fetcher, imagenorm.New(), gw, ingest.Options{Attempts: 1, Backoff: time.Millisecond})
	require.NoError(t, err)

	pictures := map[int64][]byte{
		10: solidPNG(t, red),
		11: splitPNG(t, red, white),
		20: solidPNG(t, blue),
	}
	for id, data := range pictures {
		art := h.catalog.artworks[id]
		h.fetcher.images[*art.PictureURL] = data
		res := svc.AddImageBytes(context.Background(), id, art.ArtistID, data)
		require.True(t, res.OK(), "seed artwork %d: %v", id, res.Err)
		art.IndexID = res.ID
		h.catalog.artworks[id] = art
	}

	a, err := New(&Store{
		Catalog:    h.catalog,
		Index:      gw,
		Fetcher:    h.fetcher,
		Normalizer: imagenorm.New(),
		Ingest:     svc,
		Blobs:      h.blobs,
		Bus:        h.bus,
		Logger:     zerolog.Nop(),
	}, cfg)
	require.NoError(t, err)
	h.handler, err = a.Routes()
	require.NoError(t, err)

	h.catalog.artworkLookups, h.catalog.artistLookups = 0, 0
	return h
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

func (h *harness) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, path, field string, data []byte, values map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(field, "picture.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeMatches(t *testing.T, resp response) []Match {
	t.Helper()
	require.True(t, resp.Success, "error: %v", resp.Error)
	var matches []Match
	require.NoError(t, json.Unmarshal(resp.Data, &matches))
	return matches
}

func artworkIDs(matches []Match) []int64 {
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Artwork.ID)
	}
	return ids
}

func authorIDs(matches []Match) []int64 {
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.Author.ID)
	}
	return ids
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Config{})
	rec, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		ready  func(context.Context) error
		status int
	}{
		{name: "no check", status: http.StatusOK},
		{name: "reachable", ready: func(context.Context) error { return nil }, status: http.StatusOK},
		{name: "database down", ready: func(context.Context) error { return errors.New("dial tcp: refused") }, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := vectorindex.New(vectorindex.NewMemoryIndex())
			require.NoError(t, err)
			svc, err := ingest.New(&stubFetcher{}, imagenorm.New(), gw, ingest.Options{Attempts: 1})
			require.NoError(t, err)
			a, err := New(&Store{
				Catalog:    &fakeCatalog{},
				Index:      gw,
				Fetcher:    &stubFetcher{},
				Normalizer: imagenorm.New(),
				Ingest:     svc,
				Ready:      tt.ready,
			}, Config{})
			require.NoError(t, err)
			handler, err := a.Routes()
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			require.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestListArtists(t *testing.T) {
	h := newHarness(t, Config{})
	rec, resp := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/artists", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	require.Nil(t, resp.Error)

	var artists []catalog.Artist
	require.NoError(t, json.Unmarshal(resp.Data, &artists))
	require.Len(t, artists, 2)
	require.Equal(t, "Alfons Mucha", artists[0].Name)
}

func TestCatalogLookups(t *testing.T) {
	h := newHarness(t, Config{})

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "artist", path: "/v1/artists/1", status: http.StatusOK},
		{name: "missing artist", path: "/v1/artists/99", status: http.StatusNotFound},
		{name: "artwork", path: "/v1/artworks/10", status: http.StatusOK},
		{name: "missing artwork", path: "/v1/artworks/99", status: http.StatusNotFound},
		{name: "invalid id", path: "/v1/artworks/abc", status: http.StatusBadRequest},
		{name: "negative id", path: "/v1/artists/-1", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := h.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, tt.status == http.StatusOK, resp.Success)
			if !resp.Success {
				require.NotNil(t, resp.Error)
				require.Equal(t, "null", string(resp.Data))
			}
		})
	}
}

func TestArtworksByImage(t *testing.T) {
	h := newHarness(t, Config{})

	req := multipartRequest(t, "/v1/search/artworks/by-image", "image", solidPNG(t, red), map[string]string{"limit": "2"})
	rec, resp := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	matches := decodeMatches(t, resp)
	require.Equal(t, []int64{10, 11}, artworkIDs(matches))
	require.Equal(t, "Alfons Mucha", matches[0].Author.Name)
	require.NotNil(t, matches[0].Distance)
	require.InDelta(t, 0, *matches[0].Distance, 1e-6)

	require.Equal(t, 1, h.catalog.artworkLookups)
	require.Equal(t, 1, h.catalog.artistLookups)
}

func TestArtworksByImageDefaultLimit(t *testing.T) {
	h := newHarness(t, Config{})
	rec, resp := h.do(t, multipartRequest(t, "/v1/search/artworks/by-image", "image", solidPNG(t, blue), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	matches := decodeMatches(t, resp)
	require.Len(t, matches, defaultArtworksByImage)
	require.Equal(t, int64(20), matches[0].Artwork.ID)
}

func TestArtworksByImageRejectsNonImage(t *testing.T) {
	h := newHarness(t, Config{})
	rec, resp := h.do(t, multipartRequest(t, "/v1/search/artworks/by-image", "image", []byte("not an image"), nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.False(t, resp.Success)
}

func TestArtworksByImageTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: 64})
	rec, _ := h.do(t, multipartRequest(t, "/v1/search/artworks/by-image", "image", imagenormtest.PNG(t, 32, 32, 1, false), nil))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAuthorsByImage(t *testing.T) {
	h := newHarness(t, Config{})
	rec, resp := h.do(t, multipartRequest(t, "/v1/search/authors/by-image", "image", solidPNG(t, red), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	matches := decodeMatches(t, resp)
	require.Equal(t, []int64{1, 2}, authorIDs(matches))
	require.Equal(t, int64(10), matches[0].Artwork.ID)
}

func TestArtworksByURL(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.images["https://img.example.com/query.png"] = solidPNG(t, red)

	rec, resp := h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/artworks/by-url", byURLRequest{ImageURL: "https://img.example.com/query.png"}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{10}, artworkIDs(decodeMatches(t, resp)))
}

func TestAuthorsByURL(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.images["https://img.example.com/query.png"] = solidPNG(t, blue)

	rec, resp := h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/authors/by-url", byURLRequest{ImageURL: "https://img.example.com/query.png", Limit: ptr(1)}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{2}, authorIDs(decodeMatches(t, resp)))
}

func TestByURLErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.errs["http://169.254.169.254/latest"] = fmt.Errorf("%w: link-local address", safefetch.ErrBlocked)
	h.fetcher.errs["https://img.example.com/page.html"] = fmt.Errorf("%w: content type text/html", safefetch.ErrFetch)
	h.fetcher.images["https://img.example.com/corrupt.png"] = []byte("\x89PNG garbage")

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "blocked", body: byURLRequest{ImageURL: "http://169.254.169.254/latest"}, status: http.StatusBadRequest},
		{name: "fetch failure", body: byURLRequest{ImageURL: "https://img.example.com/page.html"}, status: http.StatusUnprocessableEntity},
		{name: "corrupt image", body: byURLRequest{ImageURL: "https://img.example.com/corrupt.png"}, status: http.StatusUnprocessableEntity},
		{name: "missing url", body: byURLRequest{}, status: http.StatusBadRequest},
		{name: "unknown field", body: map[string]any{"image_url": "https://img.example.com/query.png", "extra": true}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/artworks/by-url", tt.body))
			require.Equal(t, tt.status, rec.Code)
			require.False(t, resp.Success)
			require.NotNil(t, resp.Error)
		})
	}
}

func TestByVector(t *testing.T) {
	h := newHarness(t, Config{})
	vec, err := vectorindex.HistogramEmbedding(base64.StdEncoding.EncodeToString(solidPNG(t, blue)))
	require.NoError(t, err)

	rec, resp := h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/by-vector", byVectorRequest{Vector: vec}))
	require.Equal(t, http.StatusOK, rec.Code)
	matches := decodeMatches(t, resp)
	require.Len(t, matches, defaultByVector)
	require.Equal(t, int64(20), matches[0].Artwork.ID)

	rec, _ = h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/by-vector", byVectorRequest{Vector: []float32{1, 2, 3}}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/by-vector", byVectorRequest{}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimilarArtworks(t *testing.T) {
	h := newHarness(t, Config{})

	rec, resp := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/artworks/10/similar", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{10, 11}, artworkIDs(decodeMatches(t, resp)))

	rec, resp = h.do(t, httptest.NewRequest(http.MethodGet, "/v1/artworks/10/similar?limit=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeMatches(t, resp), 1)

	for _, path := range []string{"/v1/artworks/30/similar", "/v1/artworks/99/similar"} {
		rec, _ = h.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/v1/artworks/10/similar?limit=many", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimilarAuthors(t *testing.T) {
	h := newHarness(t, Config{})
	rec, resp := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/artworks/10/similar-authors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{1, 2}, authorIDs(decodeMatches(t, resp)))
}

func TestSearchDropsDanglingHits(t *testing.T) {
	h := newHarness(t, Config{})
	delete(h.catalog.artworks, 11)

	req := multipartRequest(t, "/v1/search/artworks/by-image", "image", solidPNG(t, red), map[string]string{"limit": "3"})
	rec, resp := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{10, 20}, artworkIDs(decodeMatches(t, resp)))
}

func TestSearchIndexUnavailable(t *testing.T) {
	gw, err := vectorindex.New(vectorindex.DialerFunc(func(context.Context) (vectorindex.Collection, error) {
		return nil, errors.New("connection refused")
	}))
	require.NoError(t, err)

	svc, err := ingest.New(&stubFetcher{}, imagenorm.New(), gw, ingest.Options{Attempts: 1, Backoff: time.Millisecond})
	require.NoError(t, err)
	a, err := New(&Store{
		Catalog:    &fakeCatalog{},
		Index:      gw,
		Fetcher:    &stubFetcher{},
		Normalizer: imagenorm.New(),
		Ingest:     svc,
		Logger:     zerolog.Nop(),
	}, Config{})
	require.NoError(t, err)
	handler, err := a.Routes()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, multipartRequest(t, "/v1/search/artworks/by-image", "image", solidPNG(t, red), nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearchRateLimit(t *testing.T) {
	h := newHarness(t, Config{SearchRateLimit: 1})
	vec := make([]float32, vectorindex.HistogramDims)
	vec[0] = 1

	rec, _ := h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/by-vector", byVectorRequest{Vector: vec}))
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, jsonRequest(t, http.MethodPost, "/v1/search/by-vector", byVectorRequest{Vector: vec}))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/v1/artists", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		status int
	}{
		{name: "disabled", token: "", header: "Bearer anything", status: http.StatusForbidden},
		{name: "missing", token: adminToken, header: "", status: http.StatusUnauthorized},
		{name: "wrong", token: adminToken, header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "wrong scheme", token: adminToken, header: "Basic " + adminToken, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{AdminToken: tt.token})
			req := httptest.NewRequest(http.MethodDelete, "/v1/index/whatever", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, resp := h.do(t, req)
			require.Equal(t, tt.status, rec.Code)
			require.False(t, resp.Success)
		})
	}
}

func adminRequest(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return req
}

func TestUploadArtworkPicture(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})
	data := solidPNG(t, green)

	rec, resp := h.do(t, adminRequest(multipartRequest(t, "/v1/artworks/30/picture", "file", data, nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	var out indexOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Nil(t, out.IndexError)
	require.Equal(t, vectorindex.RecordID(30, 2, base64.StdEncoding.EncodeToString(data)), out.IndexID)
	require.True(t, strings.HasPrefix(*out.Artwork.PictureURL, "https://blobs.example.com/artworks/"))

	stored := h.catalog.artwork(30)
	require.Equal(t, out.IndexID, stored.IndexID)
	require.Equal(t, *out.Artwork.PictureURL, *stored.PictureURL)
	require.Equal(t, 4, h.idx.Len())
	require.Len(t, h.blobs.objects, 1)

	require.Equal(t, []string{bus.ArtworkIndexedSubject}, h.bus.subjects)
	evt, ok := h.bus.payloads[0].(ingest.ArtworkIndexed)
	require.True(t, ok)
	require.Equal(t, int64(30), evt.ArtworkID)
	require.Equal(t, int64(2), evt.ArtistID)
}

func TestUploadArtworkPictureReplacesRecord(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})
	old := h.catalog.artwork(20).IndexID

	rec, resp := h.do(t, adminRequest(multipartRequest(t, "/v1/artworks/20/picture", "file", solidPNG(t, green), nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var out indexOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.NotEqual(t, old, out.IndexID)
	require.Equal(t, 3, h.idx.Len())
}

func TestUploadArtworkPictureErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		data   []byte
		noBlob bool
		status int
	}{
		{name: "not an image", path: "/v1/artworks/30/picture", data: []byte("plain text"), status: http.StatusUnprocessableEntity},
		{name: "unknown artwork", path: "/v1/artworks/99/picture", data: []byte("x"), status: http.StatusNotFound},
		{name: "no blob store", path: "/v1/artworks/30/picture", data: []byte("x"), noBlob: true, status: http.StatusFailedDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{AdminToken: adminToken})
			if tt.noBlob {
				h = withoutBlobs(t, h)
			}
			rec, _ := h.do(t, adminRequest(multipartRequest(t, tt.path, "file", tt.data, nil)))
			require.Equal(t, tt.status, rec.Code)
			require.Nil(t, h.catalog.artwork(30).PictureURL)
		})
	}
}

// withoutBlobs rebuilds the handler of h with no blob store configured.
func withoutBlobs(t *testing.T, h *harness) *harness {
	t.Helper()
	gw, err := vectorindex.New(h.idx, vectorindex.WithSettle(0))
	require.NoError(t, err)
	svc, err := ingest.New(h.fetcher, imagenorm.New(), gw, ingest.Options{Attempts: 1})
	require.NoError(t, err)
	a, err := New(&Store{
		Catalog:    h.catalog,
		Index:      gw,
		Fetcher:    h.fetcher,
		Normalizer: imagenorm.New(),
		Ingest:     svc,
	}, Config{AdminToken: adminToken})
	require.NoError(t, err)
	h.handler, err = a.Routes()
	require.NoError(t, err)
	return h
}

func TestReindexArtwork(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})

	url := "https://img.example.com/30.png"
	h.fetcher.images[url] = solidPNG(t, green)
	require.NoError(t, h.catalog.SetArtworkPicture(context.Background(), 30, url))

	rec, resp := h.do(t, adminRequest(httptest.NewRequest(http.MethodPost, "/v1/artworks/30/index", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var out indexOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.NotEmpty(t, out.IndexID)
	require.Equal(t, out.IndexID, h.catalog.artwork(30).IndexID)
	require.Equal(t, 4, h.idx.Len())
}

func TestReindexArtworkFailureKeepsRow(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})
	require.NoError(t, h.catalog.SetArtworkPicture(context.Background(), 30, "https://img.example.com/gone.png"))

	rec, resp := h.do(t, adminRequest(httptest.NewRequest(http.MethodPost, "/v1/artworks/30/index", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var out indexOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Empty(t, out.IndexID)
	require.NotNil(t, out.IndexError)
	require.Empty(t, h.catalog.artwork(30).IndexID)

	require.Equal(t, []string{bus.ArtworkSavedSubject}, h.bus.subjects)
	require.Equal(t, ingest.ArtworkSaved{ArtworkID: 30}, h.bus.payloads[0])
}

func TestReindexArtworkWithoutPicture(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})
	rec, _ := h.do(t, adminRequest(httptest.NewRequest(http.MethodPost, "/v1/artworks/30/index", nil)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUploadProfileImage(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})

	rec, resp := h.do(t, adminRequest(multipartRequest(t, "/v1/artists/2/profile-image", "file", solidPNG(t, white), nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var artist catalog.Artist
	require.NoError(t, json.Unmarshal(resp.Data, &artist))
	require.NotNil(t, artist.ProfileImageURL)
	require.True(t, strings.HasPrefix(*artist.ProfileImageURL, "https://blobs.example.com/artists/"))
	require.Equal(t, 3, h.idx.Len())
}

func TestDeleteIndexRecord(t *testing.T) {
	h := newHarness(t, Config{AdminToken: adminToken})
	id := h.catalog.artwork(20).IndexID

	rec, resp := h.do(t, adminRequest(httptest.NewRequest(http.MethodDelete, "/v1/index/"+id, nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	require.Equal(t, 2, h.idx.Len())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)

	_, err = New(&Store{}, Config{})
	require.ErrorContains(t, err, "catalog")

	_, err = New(&Store{Catalog: &fakeCatalog{}}, Config{})
	require.ErrorContains(t, err, "index")
}
