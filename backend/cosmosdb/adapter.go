// Package cosmosdb exposes Azure Cosmos DB container and item operations as
// gateway tools. The adapter validates arguments before any backend call and
// retries transient failures with exponential backoff.
package cosmosdb

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eosho/freshmcp/backend"
	"github.com/eosho/freshmcp/registry"
)

const defaultPartitionKeyPath = "/id"

// QueryParameter is a named parameter for a parameterized SQL query.
type QueryParameter struct {
	Name  string `json:"name" jsonschema:"description=Parameter name including the @ prefix"`
	Value any    `json:"value" jsonschema:"description=Parameter value"`
}

// Store is the narrow persistence contract the adapter drives. The production
// implementation wraps the Cosmos DB SDK; tests substitute a fake.
type Store interface {
	CreateContainer(ctx context.Context, name, partitionKeyPath string) (map[string]any, error)
	ListContainers(ctx context.Context) ([]string, error)
	DescribeContainer(ctx context.Context, name string) (map[string]any, error)
	DeleteContainer(ctx context.Context, name string) error

	CreateItem(ctx context.Context, container, partitionKey string, item []byte) (map[string]any, error)
	ReadItem(ctx context.Context, container, partitionKey, id string) (map[string]any, error)
	ReplaceItem(ctx context.Context, container, partitionKey, id string, item []byte) (map[string]any, error)
	DeleteItem(ctx context.Context, container, partitionKey, id string) error
	QueryItems(ctx context.Context, container, partitionKey, query string, params []QueryParameter) ([]map[string]any, error)
}

// Adapter implements backend.Adapter over a Store.
type Adapter struct {
	store Store
	log   *slog.Logger

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

func New(store Store, opts ...Option) *Adapter {
	a := &Adapter{
		store:         store,
		log:           slog.Default(),
		maxRetries:    3,
		retryInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "cosmosdb" }

func (a *Adapter) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retryInterval
	return backoff.WithMaxRetries(bo, a.maxRetries)
}

type createContainerArgs struct {
	Name         string `json:"name" jsonschema:"description=Name of the container to create"`
	PartitionKey string `json:"partition_key,omitempty" jsonschema:"description=Partition key path (defaults to /id)"`
}

type containerArgs struct {
	Name string `json:"name" jsonschema:"description=Name of the container"`
}

type createItemArgs struct {
	Container    string         `json:"container" jsonschema:"description=Container to store the item in"`
	PartitionKey string         `json:"partition_key" jsonschema:"description=Partition key value of the item"`
	Item         map[string]any `json:"item" jsonschema:"description=Item body; must include an id field"`
}

type itemArgs struct {
	Container    string `json:"container" jsonschema:"description=Container holding the item"`
	PartitionKey string `json:"partition_key" jsonschema:"description=Partition key value of the item"`
	ID           string `json:"id" jsonschema:"description=Item id"`
}

type updateItemArgs struct {
	Container    string         `json:"container" jsonschema:"description=Container holding the item"`
	PartitionKey string         `json:"partition_key" jsonschema:"description=Partition key value of the item"`
	ID           string         `json:"id" jsonschema:"description=Item id"`
	Item         map[string]any `json:"item" jsonschema:"description=Replacement item body"`
}

type queryItemsArgs struct {
	Container    string           `json:"container" jsonschema:"description=Container to query"`
	Query        string           `json:"query" jsonschema:"description=Cosmos SQL query text"`
	Parameters   []QueryParameter `json:"parameters,omitempty" jsonschema:"description=Named query parameters"`
	PartitionKey string           `json:"partition_key,omitempty" jsonschema:"description=Scope the query to one partition; omit for cross-partition"`
}

// Operations returns the adapter's fixed tool set.
func (a *Adapter) Operations() []backend.Operation {
	return []backend.Operation{
		{
			Name:        "create_container",
			Description: "Create a container in the configured Cosmos DB database.",
			InputSchema: registry.InputSchema[createContainerArgs](),
		},
		{
			Name:        "list_containers",
			Description: "List the containers in the configured Cosmos DB database.",
			InputSchema: registry.InputSchema[struct{}](),
		},
		{
			Name:        "describe_container",
			Description: "Return the properties of a container, including its partition key definition.",
			InputSchema: registry.InputSchema[containerArgs](),
		},
		{
			Name:        "delete_container",
			Description: "Delete a container and all of its items.",
			InputSchema: registry.InputSchema[containerArgs](),
		},
		{
			Name:        "create_item",
			Description: "Create an item in a container. Fails if an item with the same id already exists in the partition.",
			InputSchema: registry.InputSchema[createItemArgs](),
		},
		{
			Name:        "read_item",
			Description: "Read a single item by id and partition key.",
			InputSchema: registry.InputSchema[itemArgs](),
		},
		{
			Name:        "update_item",
			Description: "Replace an existing item by id and partition key.",
			InputSchema: registry.InputSchema[updateItemArgs](),
		},
		{
			Name:        "delete_item",
			Description: "Delete an item by id and partition key.",
			InputSchema: registry.InputSchema[itemArgs](),
		},
		{
			Name:        "query_items",
			Description: "Run a Cosmos SQL query against a container and return the matching items.",
			InputSchema: registry.InputSchema[queryItemsArgs](),
			Timeout:     60 * time.Second,
		},
	}
}

// Execute routes one operation. Validation failures surface as protocol
// errors without reaching the store.
func (a *Adapter) Execute(ctx context.Context, op string, args json.RawMessage) (any, error) {
	switch op {
	case "create_container":
		return a.createContainer(ctx, args)
	case "list_containers":
		return a.listContainers(ctx)
	case "describe_container":
		return a.describeContainer(ctx, args)
	case "delete_container":
		return a.deleteContainer(ctx, args)
	case "create_item":
		return a.createItem(ctx, args)
	case "read_item":
		return a.readItem(ctx, args)
	case "update_item":
		return a.updateItem(ctx, args)
	case "delete_item":
		return a.deleteItem(ctx, args)
	case "query_items":
		return a.queryItems(ctx, args)
	default:
		return nil, backend.Errorf(backend.KindProtocol, op, "unknown operation")
	}
}

func (a *Adapter) createContainer(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[createContainerArgs]("create_container", args)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, backend.Errorf(backend.KindProtocol, "create_container", "name is required")
	}
	pk := in.PartitionKey
	if pk == "" {
		pk = defaultPartitionKeyPath
	}
	props, err := backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.store.CreateContainer(ctx, in.Name, pk)
	})
	if err != nil {
		return nil, err
	}
	a.log.InfoContext(ctx, "cosmosdb.create_container.ok", slog.String("container", in.Name))
	return props, nil
}

func (a *Adapter) listContainers(ctx context.Context) (any, error) {
	names, err := backend.Retry(ctx, a.newBackOff(), func() ([]string, error) {
		return a.store.ListContainers(ctx)
	})
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return map[string]any{"containers": names}, nil
}

func (a *Adapter) describeContainer(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[containerArgs]("describe_container", args)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, backend.Errorf(backend.KindProtocol, "describe_container", "name is required")
	}
	return backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.store.DescribeContainer(ctx, in.Name)
	})
}

func (a *Adapter) deleteContainer(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[containerArgs]("delete_container", args)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, backend.Errorf(backend.KindProtocol, "delete_container", "name is required")
	}
	_, err = backend.Retry(ctx, a.newBackOff(), func() (struct{}, error) {
		return struct{}{}, a.store.DeleteContainer(ctx, in.Name)
	})
	if err != nil {
		return nil, err
	}
	a.log.InfoContext(ctx, "cosmosdb.delete_container.ok", slog.String("container", in.Name))
	return map[string]any{"deleted": in.Name}, nil
}

func (a *Adapter) createItem(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[createItemArgs]("create_item", args)
	if err != nil {
		return nil, err
	}
	if in.Container == "" || in.PartitionKey == "" {
		return nil, backend.Errorf(backend.KindProtocol, "create_item", "container and partition_key are required")
	}
	if len(in.Item) == 0 {
		return nil, backend.Errorf(backend.KindProtocol, "create_item", "item is required")
	}
	if _, ok := in.Item["id"]; !ok {
		return nil, backend.Errorf(backend.KindProtocol, "create_item", "item must include an id field")
	}
	body, err := json.Marshal(in.Item)
	if err != nil {
		return nil, backend.Errorf(backend.KindProtocol, "create_item", "item is not serializable: %v", err)
	}
	return backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.store.CreateItem(ctx, in.Container, in.PartitionKey, body)
	})
}

func (a *Adapter) readItem(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[itemArgs]("read_item", args)
	if err != nil {
		return nil, err
	}
	if in.Container == "" || in.PartitionKey == "" || in.ID == "" {
		return nil, backend.Errorf(backend.KindProtocol, "read_item", "container, partition_key and id are required")
	}
	return backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.store.ReadItem(ctx, in.Container, in.PartitionKey, in.ID)
	})
}

func (a *Adapter) updateItem(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[updateItemArgs]("update_item", args)
	if err != nil {
		return nil, err
	}
	if in.Container == "" || in.PartitionKey == "" || in.ID == "" {
		return nil, backend.Errorf(backend.KindProtocol, "update_item", "container, partition_key and id are required")
	}
	if len(in.Item) == 0 {
		return nil, backend.Errorf(backend.KindProtocol, "update_item", "item is required")
	}
	body, err := json.Marshal(in.Item)
	if err != nil {
		return nil, backend.Errorf(backend.KindProtocol, "update_item", "item is not serializable: %v", err)
	}
	return backend.Retry(ctx, a.newBackOff(), func() (map[string]any, error) {
		return a.store.ReplaceItem(ctx, in.Container, in.PartitionKey, in.ID, body)
	})
}

func (a *Adapter) deleteItem(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[itemArgs]("delete_item", args)
	if err != nil {
		return nil, err
	}
	if in.Container == "" || in.PartitionKey == "" || in.ID == "" {
		return nil, backend.Errorf(backend.KindProtocol, "delete_item", "container, partition_key and id are required")
	}
	_, err = backend.Retry(ctx, a.newBackOff(), func() (struct{}, error) {
		return struct{}{}, a.store.DeleteItem(ctx, in.Container, in.PartitionKey, in.ID)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": in.ID}, nil
}

func (a *Adapter) queryItems(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := backend.DecodeArgs[queryItemsArgs]("query_items", args)
	if err != nil {
		return nil, err
	}
	if in.Container == "" || in.Query == "" {
		return nil, backend.Errorf(backend.KindProtocol, "query_items", "container and query are required")
	}
	items, err := backend.Retry(ctx, a.newBackOff(), func() ([]map[string]any, error) {
		return a.store.QueryItems(ctx, in.Container, in.PartitionKey, in.Query, in.Parameters)
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}
