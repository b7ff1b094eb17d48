package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/rs/zerolog"
	wvt "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WeaviateConfig configures connections to a Weaviate instance.
type WeaviateConfig struct {
	Scheme  string
	Host    string
	APIKey  string
	Class   string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// WeaviateDialer opens a dedicated client per Dial. Each client owns its
// transport so closing the collection releases its sockets.
type WeaviateDialer struct {
	cfg WeaviateConfig
}

// NewWeaviateDialer validates cfg and applies defaults.
func NewWeaviateDialer(cfg WeaviateConfig) (*WeaviateDialer, error) {
	if cfg.Host == "" {
		return nil, errors.New("weaviate host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WeaviateDialer{cfg: cfg}, nil
}

func (d *WeaviateDialer) newClient() (*wvt.Client, *http.Transport, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	headers := map[string]string{}
	if d.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + d.cfg.APIKey
	}

	client, err := wvt.NewClient(wvt.Config{
		Scheme:  d.cfg.Scheme,
		Host:    d.cfg.Host,
		Headers: headers,
		Timeout: d.cfg.Timeout,
		ConnectionClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   d.cfg.Timeout,
		},
	})
	if err != nil {
		transport.CloseIdleConnections()
		return nil, nil, err
	}
	return client, transport, nil
}

// Dial implements Dialer. The connection is checked for liveness before use.
func (d *WeaviateDialer) Dial(ctx context.Context) (Collection, error) {
	client, transport, err := d.newClient()
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	live, err := client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	if !live {
		transport.CloseIdleConnections()
		return nil, &ConnectionError{Op: "connect", Err: errors.New("weaviate is not live")}
	}

	return &weaviateCollection{
		client:    client,
		transport: transport,
		class:     d.cfg.Class,
		logger:    d.cfg.Logger,
	}, nil
}

type weaviateCollection struct {
	client    *wvt.Client
	transport *http.Transport
	class     string
	logger    zerolog.Logger
}

func (c *weaviateCollection) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *weaviateCollection) Insert(ctx context.Context, rec Record) error {
	if !strfmt.IsUUID(rec.ID) {
		return fmt.Errorf("%w: invalid id %q", ErrInvalid, rec.ID)
	}
	_, err := c.client.Data().Creator().
		WithClassName(c.class).
		WithID(rec.ID).
		WithProperties(rec.properties()).
		Do(ctx)
	return classify("insert", err)
}

func (c *weaviateCollection) Exists(ctx context.Context, id string) (bool, error) {
	if !strfmt.IsUUID(id) {
		return false, nil
	}
	ok, err := c.client.Data().Checker().WithClassName(c.class).WithID(id).Do(ctx)
	if err != nil {
		return false, classify("exists", err)
	}
	return ok, nil
}

func (c *weaviateCollection) Fetch(ctx context.Context, id string) (Record, error) {
	if !strfmt.IsUUID(id) {
		return Record{}, ErrNotFound
	}
	objs, err := c.client.Data().ObjectsGetter().WithClassName(c.class).WithID(id).Do(ctx)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return Record{}, ErrNotFound
		}
		return Record{}, classify("get", err)
	}
	if len(objs) == 0 {
		return Record{}, ErrNotFound
	}
	props, _ := objs[0].Properties.(map[string]interface{})
	rec, ok := recordFromProps(string(objs[0].ID), props)
	if !ok {
		return Record{}, fmt.Errorf("%w: record %s has malformed properties", ErrInvalid, id)
	}
	return rec, nil
}

func (c *weaviateCollection) Delete(ctx context.Context, id string) error {
	if !strfmt.IsUUID(id) {
		return nil
	}
	err := c.client.Data().Deleter().WithClassName(c.class).WithID(id).Do(ctx)
	if err != nil && statusCode(err) == http.StatusNotFound {
		return nil
	}
	return classify("delete", err)
}

func (c *weaviateCollection) NearImage(ctx context.Context, imageB64 string, limit int) ([]SearchHit, error) {
	near := c.client.GraphQL().NearImageArgBuilder().WithImage(imageB64)
	resp, err := c.client.GraphQL().Get().
		WithClassName(c.class).
		WithFields(hitFields()...).
		WithNearImage(near).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify("near image", err)
	}
	return c.parseHits(resp)
}

func (c *weaviateCollection) NearImageGroupedByAuthor(ctx context.Context, imageB64 string, groups int) ([]SearchHit, error) {
	near := c.client.GraphQL().NearImageArgBuilder().WithImage(imageB64)
	groupBy := c.client.GraphQL().GroupByArgBuilder().
		WithPath([]string{PropAuthorID}).
		WithGroups(groups).
		WithObjectsPerGroup(1)

	resp, err := c.client.GraphQL().Get().
		WithClassName(c.class).
		WithNearImage(near).
		WithGroupBy(groupBy).
		WithFields(graphql.Field{
			Name: "_additional",
			Fields: []graphql.Field{{
				Name: "group",
				Fields: []graphql.Field{
					{Name: "id"},
					{Name: "hits", Fields: hitFields()},
				},
			}},
		}).
		Do(ctx)
	if err != nil {
		return nil, classify("near image grouped", err)
	}
	items, err := getItems(resp, c.class)
	if err != nil {
		return nil, err
	}
	return c.collect(groupHits(items)), nil
}

func (c *weaviateCollection) NearVector(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	near := c.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	resp, err := c.client.GraphQL().Get().
		WithClassName(c.class).
		WithFields(hitFields()...).
		WithNearVector(near).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify("near vector", err)
	}
	return c.parseHits(resp)
}

func (c *weaviateCollection) NearObject(ctx context.Context, id string, q Query) ([]SearchHit, error) {
	if !strfmt.IsUUID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	near := c.client.GraphQL().NearObjectArgBuilder().WithID(id)
	get := c.client.GraphQL().Get().
		WithClassName(c.class).
		WithFields(hitFields()...).
		WithNearObject(near).
		WithLimit(q.Limit)
	if where := excludeAuthors(q.ExcludeAuthors); where != nil {
		get = get.WithWhere(where)
	}

	resp, err := get.Do(ctx)
	if err != nil {
		return nil, classify("near object", err)
	}
	return c.parseHits(resp)
}

func (c *weaviateCollection) Page(ctx context.Context, after string, limit int) ([]Record, error) {
	resp, err := c.client.GraphQL().Get().
		WithClassName(c.class).
		WithFields(
			graphql.Field{Name: PropArtworkID},
			graphql.Field{Name: PropAuthorID},
			graphql.Field{Name: PropImage},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
		).
		WithLimit(limit).
		WithAfter(after).
		Do(ctx)
	if err != nil {
		return nil, classify("list", err)
	}
	items, err := getItems(resp, c.class)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(items))
	for _, item := range items {
		additional, _ := item["_additional"].(map[string]interface{})
		id, _ := additional["id"].(string)
		rec, ok := recordFromProps(id, item)
		if !ok {
			c.logger.Warn().Str("id", id).Msg("skipping malformed vector record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *weaviateCollection) parseHits(resp *models.GraphQLResponse) ([]SearchHit, error) {
	items, err := getItems(resp, c.class)
	if err != nil {
		return nil, err
	}
	return c.collect(items), nil
}

func (c *weaviateCollection) collect(items []map[string]interface{}) []SearchHit {
	hits := make([]SearchHit, 0, len(items))
	for _, item := range items {
		hit, ok := hitFromItem(item)
		if !ok {
			c.logger.Warn().Interface("item", item).Msg("skipping malformed search hit")
			continue
		}
		hits = append(hits, hit)
	}
	return hits
}

func hitFields() []graphql.Field {
	return []graphql.Field{
		{Name: PropArtworkID},
		{Name: PropAuthorID},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}
}

// excludeAuthors builds author_psql_id != a AND author_psql_id != b ...
func excludeAuthors(ids []int64) *filters.WhereBuilder {
	if len(ids) == 0 {
		return nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(ids))
	for _, id := range ids {
		operands = append(operands, filters.Where().
			WithPath([]string{PropAuthorID}).
			WithOperator(filters.NotEqual).
			WithValueText(strconv.FormatInt(id, 10)))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

func getItems(resp *models.GraphQLResponse, class string) ([]map[string]interface{}, error) {
	if resp == nil {
		return nil, &ConnectionError{Op: "query", Err: errors.New("empty response")}
	}
	if len(resp.Errors) > 0 {
		msg := ""
		for i, e := range resp.Errors {
			if e == nil {
				continue
			}
			if i > 0 {
				msg += "; "
			}
			msg += e.Message
		}
		return nil, fmt.Errorf("%w: graphql: %s", ErrInvalid, msg)
	}

	get, _ := resp.Data["Get"].(map[string]interface{})
	raw, _ := get[class].([]interface{})
	items := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

// groupHits flattens group-by results to the first hit of every group.
func groupHits(items []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		additional, _ := item["_additional"].(map[string]interface{})
		group, _ := additional["group"].(map[string]interface{})
		hits, _ := group["hits"].([]interface{})
		if len(hits) == 0 {
			continue
		}
		if first, ok := hits[0].(map[string]interface{}); ok {
			out = append(out, first)
		}
	}
	return out
}

func hitFromItem(item map[string]interface{}) (SearchHit, bool) {
	artworkID, ok := parseID(item[PropArtworkID])
	if !ok {
		return SearchHit{}, false
	}
	authorID, ok := parseID(item[PropAuthorID])
	if !ok {
		return SearchHit{}, false
	}
	additional, _ := item["_additional"].(map[string]interface{})
	objectID, _ := additional["id"].(string)

	hit := SearchHit{ObjectID: objectID, ArtworkID: artworkID, AuthorID: authorID}
	if d, ok := additional["distance"].(float64); ok {
		hit.Distance = &d
	}
	return hit, true
}

func recordFromProps(id string, props map[string]interface{}) (Record, bool) {
	artworkID, ok := parseID(props[PropArtworkID])
	if !ok {
		return Record{}, false
	}
	authorID, ok := parseID(props[PropAuthorID])
	if !ok {
		return Record{}, false
	}
	image, _ := props[PropImage].(string)
	return Record{ID: id, ArtworkID: artworkID, AuthorID: authorID, Image: image}, true
}

func parseID(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func statusCode(err error) int {
	var ce *fault.WeaviateClientError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// classify maps client errors: 4xx responses other than timeouts and rate
// limits are ErrInvalid, everything else is a ConnectionError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch code := statusCode(err); {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s: %v", ErrInvalid, op, err)
	}
	return &ConnectionError{Op: op, Err: err}
}
