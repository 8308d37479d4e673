package searchindex

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eosho/freshmcp/backend"
	"github.com/eosho/freshmcp/registry"
)

var queryTypes = map[string]bool{
	"simple":   true,
	"full":     true,
	"semantic": true,
}

// Adapter implements backend.Adapter over a search Service.
type Adapter struct {
	svc Service
	log *slog.Logger

	maxRetries    uint64
	retryInterval time.Duration
}

var _ backend.Adapter = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithMaxRetries bounds retry attempts for transient backend failures.
func WithMaxRetries(n uint64) Option {
	return func(a *Adapter) { a.maxRetries = n }
}

// WithRetryInterval sets the initial backoff interval.
func WithRetryInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryInterval = d
		}
	}
}

func New(svc Service, opts ...Option) *Adapter {
	a := &Adapter{
		svc:           svc,
		log:           slog.Default(),
		maxRetries:    3,
		retryInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "searchindex" }

func (a *Adapter) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInterval
	return backoff.WithMaxRetries(bo, a.maxRetries)
}

type indexArgs struct {
	Name string `json:"name" jsonschema:"description=Name of the index"`
}

type queryIndexArgs struct {
	Index     string `json:"index" jsonschema:"description=Index to query"`
	Query     string `json:"query" jsonschema:"description=Search text"`
	QueryType string `json:"query_type,omitempty" jsonschema:"description=Query syntax; defaults to simple,enum=simple,enum=full,enum=semantic"`
}

// Operations returns the adapter's fixed tool set.
func (a *Adapter) Operations() []backend.Operation {
	return []backend.Operation{
		{
			Name:        "create_index",
			Description: "Create a search index with the standard document field set.",
			InputSchema: registry.InputSchema[indexArgs](),
		},
		{
			Name:        "list_indexes",
			Description: "List the indexes on the configured search service.",
			InputSchema: registry.InputSchema[struct{}](),
		},
		{
			Name:        "describe_index",
			Description: "Return the definition of an index, including its fields.",
			InputSchema: registry.InputSchema[indexArgs](),
		},
		{
			Name:        "delete_index",
			Description: "Delete a search index and all of its documents.",
			InputSchema: registry.InputSchema[indexArgs](),
		},
		{
			Name:        "query_index",
			Description: "Search an index and return the matching documents.",
			InputSchema: registry.InputSchema[queryIndexArgs](),
			Timeout:     60 * time.Second,
		},
	}
}

// Execute routes one operation. Validation failures surface as protocol
// errors without reaching the service.
func (a *Adapter) Execute(ctx context.Context, op string, args json.RawMessage) (any, error) {
	switch op {
	case "create_index":
		return a.createIndex(ctx, args)
	case "list_indexes":
		return a.listIndexes(ctx)
	case "describe_index":
		return a.describeIndex(ctx, args)
	case "delete_index":
		return a.deleteIndex(ctx, args)
	case "query_index":
		return a.queryIndex(ctx, args)
	default:
		return nil, backend.Errorf(backend.KindProtocol, op, "unknown operation")
	}
}

func (a *Adapter) createIndex(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[indexArgs]("create_index", args)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, backend.Errorf(backend.KindProtocol, "create_index", "name is required")
	}
	def, err := backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.svc.CreateIndex(ctx, in.Name)
	})
	if err != nil {
		return nil, err
	}
	a.log.InfoContext(ctx, "searchindex.create_index.ok", slog.String("index", in.Name))
	return def, nil
}

func (a *Adapter) listIndexes(ctx context.Context) (any, error) {
	names, err := backend.Retry(ctx, a.newBackOff(), func() ([]string, error) {
		return a.svc.ListIndexes(ctx)
	})
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return map[string]any{"indexes": names}, nil
}

func (a *Adapter) describeIndex(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[indexArgs]("describe_index", args)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, backend.Errorf(backend.KindProtocol, "describe_index", "name is required")
	}
	return backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.svc.DescribeIndex(ctx, in.Name)
	})
}

func (a *Adapter) deleteIndex(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[indexArgs]("delete_index", args)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, backend.Errorf(backend.KindProtocol, "delete_index", "name is required")
	}
	_, err = backend.Retry(ctx, a.newBackOff(), func() (struct{}, error) {
		return struct{}{}, a.svc.DeleteIndex(ctx, in.Name)
	})
	if err != nil {
		return nil, err
	}
	a.log.InfoContext(ctx, "searchindex.delete_index.ok", slog.String("index", in.Name))
	return map[string]any{"deleted": in.Name}, nil
}

func (a *Adapter) queryIndex(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[queryIndexArgs]("query_index", args)
	if err != nil {
		return nil, err
	}
	if in.Index == "" || in.Query == "" {
		return nil, backend.Errorf(backend.KindProtocol, "query_index", "index and query are required")
	}
	queryType := in.QueryType
	if queryType == "" {
		queryType = "simple"
	}
	if !queryTypes[queryType] {
		return nil, backend.Errorf(backend.KindProtocol, "query_index", "unsupported query_type: %s", queryType)
	}
	results, err := backend.Retry(ctx, a.newBackOff(), func() ([]map[string]any, error) {
		return a.svc.Search(ctx, in.Index, in.Query, queryType)
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []map[string]any{}
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}
