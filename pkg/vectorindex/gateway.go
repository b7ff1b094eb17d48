package vectorindex

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSettle is how long Upsert waits after deleting an existing record
// before inserting its replacement.
const DefaultSettle = 500 * time.Millisecond

// Collection is a live handle to the artworks collection. Implementations
// report transport failures as *ConnectionError.
type Collection interface {
	Insert(ctx context.Context, rec Record) error
	Exists(ctx context.Context, id string) (bool, error)
	// Fetch returns ErrNotFound when no record has the id.
	Fetch(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error

	NearImage(ctx context.Context, imageB64 string, limit int) ([]SearchHit, error)
	// NearImageGroupedByAuthor returns the best hit of each of the closest
	// groups authors.
	NearImageGroupedByAuthor(ctx context.Context, imageB64 string, groups int) ([]SearchHit, error)
	NearVector(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
	NearObject(ctx context.Context, id string, q Query) ([]SearchHit, error)

	// Page returns up to limit records ordered by id, starting after the
	// given id ("" for the first page).
	Page(ctx context.Context, after string, limit int) ([]Record, error)

	Close() error
}

// Dialer opens collection handles.
type Dialer interface {
	Dial(ctx context.Context) (Collection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Collection, error)

func (f DialerFunc) Dial(ctx context.Context) (Collection, error) { return f(ctx) }

// Gateway hands out one connection per operation.
type Gateway struct {
	dialer Dialer
	logger zerolog.Logger
	settle time.Duration
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithSettle overrides the post-delete pause used by Upsert.
func WithSettle(d time.Duration) Option {
	return func(g *Gateway) { g.settle = d }
}

// WithLogger sets the gateway logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New constructs a Gateway on top of dialer.
func New(dialer Dialer, opts ...Option) (*Gateway, error) {
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	g := &Gateway{dialer: dialer, logger: zerolog.Nop(), settle: DefaultSettle}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// WithConn dials a connection, passes it to fn and closes it when fn returns.
func (g *Gateway) WithConn(ctx context.Context, fn func(*Conn) error) error {
	col, err := g.dialer.Dial(ctx)
	if err != nil {
		return wrap("connect", err)
	}
	defer func() {
		if cerr := col.Close(); cerr != nil {
			g.logger.Warn().Err(cerr).Msg("close vector index connection")
		}
	}()
	return fn(&Conn{col: col, logger: g.logger, settle: g.settle})
}

// Upsert replaces rec on a dedicated connection. See Conn.Upsert.
func (g *Gateway) Upsert(ctx context.Context, rec Record) (id string, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		id, err = c.Upsert(ctx, rec)
		return err
	})
	return id, err
}

func (g *Gateway) NearImage(ctx context.Context, imageB64 string, limit int) (hits []SearchHit, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		hits, err = c.NearImage(ctx, imageB64, limit)
		return err
	})
	return hits, err
}

func (g *Gateway) NearImageGroupedByAuthor(ctx context.Context, imageB64 string, groups int) (hits []SearchHit, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		hits, err = c.NearImageGroupedByAuthor(ctx, imageB64, groups)
		return err
	})
	return hits, err
}

func (g *Gateway) NearVector(ctx context.Context, vector []float32, limit int) (hits []SearchHit, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		hits, err = c.NearVector(ctx, vector, limit)
		return err
	})
	return hits, err
}

func (g *Gateway) NearObject(ctx context.Context, id string, limit int) (hits []SearchHit, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		hits, err = c.NearObject(ctx, id, limit)
		return err
	})
	return hits, err
}

func (g *Gateway) DistinctAuthorsNearObject(ctx context.Context, id string, limit int) (hits []SearchHit, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		hits, err = c.DistinctAuthorsNearObject(ctx, id, limit)
		return err
	})
	return hits, err
}

func (g *Gateway) Get(ctx context.Context, id string) (rec Record, err error) {
	err = g.WithConn(ctx, func(c *Conn) error {
		rec, err = c.Get(ctx, id)
		return err
	})
	return rec, err
}

func (g *Gateway) Delete(ctx context.Context, id string) error {
	return g.WithConn(ctx, func(c *Conn) error {
		return c.Delete(ctx, id)
	})
}

// Iterate calls fn for every record in id order on a single connection.
func (g *Gateway) Iterate(ctx context.Context, pageSize int, fn func(Record) error) error {
	return g.WithConn(ctx, func(c *Conn) error {
		return c.Iterate(ctx, pageSize, fn)
	})
}

// Conn is a connection scoped to one Gateway.WithConn call. It must not be
// retained after the callback returns.
type Conn struct {
	col    Collection
	logger zerolog.Logger
	settle time.Duration
}

// Upsert replaces any record with the same id and confirms the insert is
// visible. An insert that cannot be confirmed yields an empty id and no error.
func (c *Conn) Upsert(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = RecordID(rec.ArtworkID, rec.AuthorID, rec.Image)
	}
	log := c.logger.With().Str("id", rec.ID).Int64("artwork_id", rec.ArtworkID).Logger()

	exists, err := c.col.Exists(ctx, rec.ID)
	if err != nil {
		return "", wrap("exists", err)
	}
	if exists {
		log.Debug().Msg("removing existing vector record")
		if err := c.col.Delete(ctx, rec.ID); err != nil {
			return "", wrap("delete", err)
		}
		if err := sleep(ctx, c.settle); err != nil {
			return "", wrap("delete", err)
		}
		still, err := c.col.Exists(ctx, rec.ID)
		if err != nil {
			return "", wrap("exists", err)
		}
		if still {
			return "", &ConnectionError{Op: "delete", Err: errors.New("record still present after delete")}
		}
	}

	if err := c.col.Insert(ctx, rec); err != nil {
		return "", wrap("insert", err)
	}

	confirmed, err := c.col.Exists(ctx, rec.ID)
	if err != nil {
		return "", wrap("exists", err)
	}
	if !confirmed {
		log.Warn().Msg("vector record not visible after insert")
		return "", nil
	}

	log.Info().Msg("vector record stored")
	return rec.ID, nil
}

func (c *Conn) NearImage(ctx context.Context, imageB64 string, limit int) ([]SearchHit, error) {
	hits, err := c.col.NearImage(ctx, imageB64, limit)
	return hits, wrap("near image", err)
}

// NearImageGroupedByAuthor returns at most one hit per author.
func (c *Conn) NearImageGroupedByAuthor(ctx context.Context, imageB64 string, groups int) ([]SearchHit, error) {
	hits, err := c.col.NearImageGroupedByAuthor(ctx, imageB64, groups)
	return hits, wrap("near image grouped", err)
}

func (c *Conn) NearVector(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	hits, err := c.col.NearVector(ctx, vector, limit)
	return hits, wrap("near vector", err)
}

func (c *Conn) NearObject(ctx context.Context, id string, limit int) ([]SearchHit, error) {
	hits, err := c.col.NearObject(ctx, id, Query{Limit: limit})
	return hits, wrap("near object", err)
}

// DistinctAuthorsNearObject collects up to limit hits with pairwise distinct
// authors. Each round asks for the single nearest record whose author has not
// been seen yet, so it stops as soon as no new author is found.
func (c *Conn) DistinctAuthorsNearObject(ctx context.Context, id string, limit int) ([]SearchHit, error) {
	var (
		hits    []SearchHit
		exclude []int64
	)
	for len(hits) < limit {
		round, err := c.col.NearObject(ctx, id, Query{Limit: 1, ExcludeAuthors: exclude})
		if err != nil {
			return nil, wrap("near object", err)
		}
		if len(round) == 0 || containsAuthor(exclude, round[0].AuthorID) {
			break
		}
		hits = append(hits, round[0])
		exclude = append(exclude, round[0].AuthorID)
	}
	return hits, nil
}

func (c *Conn) Get(ctx context.Context, id string) (Record, error) {
	rec, err := c.col.Fetch(ctx, id)
	return rec, wrap("get", err)
}

func (c *Conn) Delete(ctx context.Context, id string) error {
	return wrap("delete", c.col.Delete(ctx, id))
}

func (c *Conn) Iterate(ctx context.Context, pageSize int, fn func(Record) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	after := ""
	for {
		page, err := c.col.Page(ctx, after, pageSize)
		if err != nil {
			return wrap("list", err)
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func containsAuthor(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
