package vectorindex

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// HistogramDims is the length of vectors produced by HistogramEmbedding.
const HistogramDims = 64

// MemoryIndex is an in-process index for development and tests. Images are
// embedded as normalised 4×4×4 RGB histograms and ranked by cosine distance.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
	open    atomic.Int64
}

type memoryEntry struct {
	rec    Record
	vector []float32
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]memoryEntry)}
}

// Dial implements Dialer.
func (m *MemoryIndex) Dial(ctx context.Context) (Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	m.open.Add(1)
	return &memoryCollection{idx: m}, nil
}

// OpenConns reports how many dialled collections have not been closed.
func (m *MemoryIndex) OpenConns() int {
	return int(m.open.Load())
}

// Len reports the number of stored records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

type memoryCollection struct {
	idx    *MemoryIndex
	closed atomic.Bool
}

var errClosed = errors.New("connection closed")

func (c *memoryCollection) check(op string) error {
	if c.closed.Load() {
		return &ConnectionError{Op: op, Err: errClosed}
	}
	return nil
}

func (c *memoryCollection) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.idx.open.Add(-1)
	}
	return nil
}

func (c *memoryCollection) Insert(_ context.Context, rec Record) error {
	if err := c.check("insert"); err != nil {
		return err
	}
	vec, err := HistogramEmbedding(rec.Image)
	if err != nil {
		return err
	}

	c.idx.mu.Lock()
	defer c.idx.mu.Unlock()
	if _, ok := c.idx.records[rec.ID]; ok {
		return fmt.Errorf("%w: id %s already exists", ErrInvalid, rec.ID)
	}
	c.idx.records[rec.ID] = memoryEntry{rec: rec, vector: vec}
	return nil
}

func (c *memoryCollection) Exists(_ context.Context, id string) (bool, error) {
	if err := c.check("exists"); err != nil {
		return false, err
	}
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	_, ok := c.idx.records[id]
	return ok, nil
}

func (c *memoryCollection) Fetch(_ context.Context, id string) (Record, error) {
	if err := c.check("get"); err != nil {
		return Record{}, err
	}
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	e, ok := c.idx.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (c *memoryCollection) Delete(_ context.Context, id string) error {
	if err := c.check("delete"); err != nil {
		return err
	}
	c.idx.mu.Lock()
	defer c.idx.mu.Unlock()
	delete(c.idx.records, id)
	return nil
}

func (c *memoryCollection) NearImage(_ context.Context, imageB64 string, limit int) ([]SearchHit, error) {
	if err := c.check("near image"); err != nil {
		return nil, err
	}
	vec, err := HistogramEmbedding(imageB64)
	if err != nil {
		return nil, err
	}
	return c.search(vec, limit, nil), nil
}

func (c *memoryCollection) NearImageGroupedByAuthor(_ context.Context, imageB64 string, groups int) ([]SearchHit, error) {
	if err := c.check("near image grouped"); err != nil {
		return nil, err
	}
	vec, err := HistogramEmbedding(imageB64)
	if err != nil {
		return nil, err
	}

	var (
		out  []SearchHit
		seen = map[int64]bool{}
	)
	for _, h := range c.search(vec, -1, nil) {
		if len(out) >= groups {
			break
		}
		if seen[h.AuthorID] {
			continue
		}
		seen[h.AuthorID] = true
		out = append(out, h)
	}
	return out, nil
}

func (c *memoryCollection) NearVector(_ context.Context, vector []float32, limit int) ([]SearchHit, error) {
	if err := c.check("near vector"); err != nil {
		return nil, err
	}
	if len(vector) != HistogramDims {
		return nil, fmt.Errorf("%w: vector has %d dimensions, want %d", ErrInvalid, len(vector), HistogramDims)
	}
	return c.search(vector, limit, nil), nil
}

func (c *memoryCollection) NearObject(_ context.Context, id string, q Query) ([]SearchHit, error) {
	if err := c.check("near object"); err != nil {
		return nil, err
	}
	c.idx.mu.RLock()
	e, ok := c.idx.records[id]
	c.idx.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	exclude := make(map[int64]bool, len(q.ExcludeAuthors))
	for _, a := range q.ExcludeAuthors {
		exclude[a] = true
	}
	return c.search(e.vector, q.Limit, exclude), nil
}

func (c *memoryCollection) Page(_ context.Context, after string, limit int) ([]Record, error) {
	if err := c.check("list"); err != nil {
		return nil, err
	}
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()

	ids := make([]string, 0, len(c.idx.records))
	for id := range c.idx.records {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.idx.records[id].rec)
	}
	return out, nil
}

// search ranks every record against vec. A negative limit returns all hits.
func (c *memoryCollection) search(vec []float32, limit int, excludeAuthors map[int64]bool) []SearchHit {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()

	hits := make([]SearchHit, 0, len(c.idx.records))
	for id, e := range c.idx.records {
		if excludeAuthors[e.rec.AuthorID] {
			continue
		}
		d := cosineDistance(vec, e.vector)
		hits = append(hits, SearchHit{
			ObjectID:  id,
			ArtworkID: e.rec.ArtworkID,
			AuthorID:  e.rec.AuthorID,
			Distance:  &d,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if *hits[i].Distance != *hits[j].Distance {
			return *hits[i].Distance < *hits[j].Distance
		}
		return hits[i].ObjectID < hits[j].ObjectID
	})
	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// HistogramEmbedding decodes a base64 image and returns its L2-normalised
// 64-bin colour histogram.
func HistogramEmbedding(imageB64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not base64: %v", ErrInvalid, err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrInvalid, err)
	}

	b := img.Bounds()
	step := max(1, int(math.Sqrt(float64(b.Dx()*b.Dy())/65536)))
	vec := make([]float32, HistogramDims)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			bin := (r>>14)*16 + (g>>14)*4 + (bl >> 14)
			vec[bin]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
