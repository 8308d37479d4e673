package cosmosdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/eosho/freshmcp/backend"
)

// azureStore implements Store against one Cosmos DB database using the Azure
// SDK. Container clients are cheap handle objects, so no caching is needed
// beyond the database client itself.
type azureStore struct {
	db *azcosmos.DatabaseClient
}

// NewAzureStore connects to the configured account and database using Entra
// ID credentials.
func NewAzureStore(endpoint, database string, cred azcore.TokenCredential) (Store, error) {
	client, err := azcosmos.NewClient(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create cosmos client: %w", err)
	}
	db, err := client.NewDatabase(database)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", database, err)
	}
	return &azureStore{db: db}, nil
}

func (s *azureStore) CreateContainer(ctx context.Context, name, partitionKeyPath string) (map[string]any, error) {
	props := azcosmos.ContainerProperties{
		ID: name,
		PartitionKeyDefinition: azcosmos.PartitionKeyDefinition{
			Paths: []string{partitionKeyPath},
		},
	}
	resp, err := s.db.CreateContainer(ctx, props, nil)
	if err != nil {
		return nil, classify("create_container", err)
	}
	return containerPropsToMap(resp.ContainerProperties)
}

func (s *azureStore) ListContainers(ctx context.Context) ([]string, error) {
	var names []string
	pager := s.db.NewQueryContainersPager("SELECT * FROM c", nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("list_containers", err)
		}
		for _, c := range page.Containers {
			names = append(names, c.ID)
		}
	}
	return names, nil
}

func (s *azureStore) DescribeContainer(ctx context.Context, name string) (map[string]any, error) {
	container, err := s.db.NewContainer(name)
	if err != nil {
		return nil, classify("describe_container", err)
	}
	resp, err := container.Read(ctx, nil)
	if err != nil {
		return nil, classify("describe_container", err)
	}
	return containerPropsToMap(resp.ContainerProperties)
}

func (s *azureStore) DeleteContainer(ctx context.Context, name string) error {
	container, err := s.db.NewContainer(name)
	if err != nil {
		return classify("delete_container", err)
	}
	if _, err := container.Delete(ctx, nil); err != nil {
		return classify("delete_container", err)
	}
	return nil
}

func (s *azureStore) CreateItem(ctx context.Context, containerName, partitionKey string, item []byte) (map[string]any, error) {
	container, err := s.db.NewContainer(containerName)
	if err != nil {
		return nil, classify("create_item", err)
	}
	opts := &azcosmos.ItemOptions{EnableContentResponseOnWrite: true}
	resp, err := container.CreateItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), item, opts)
	if err != nil {
		return nil, classify("create_item", err)
	}
	return itemToMap(resp.Value, item)
}

func (s *azureStore) ReadItem(ctx context.Context, containerName, partitionKey, id string) (map[string]any, error) {
	container, err := s.db.NewContainer(containerName)
	if err != nil {
		return nil, classify("read_item", err)
	}
	resp, err := container.ReadItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil)
	if err != nil {
		return nil, classify("read_item", err)
	}
	return itemToMap(resp.Value, nil)
}

func (s *azureStore) ReplaceItem(ctx context.Context, containerName, partitionKey, id string, item []byte) (map[string]any, error) {
	container, err := s.db.NewContainer(containerName)
	if err != nil {
		return nil, classify("update_item", err)
	}
	opts := &azcosmos.ItemOptions{EnableContentResponseOnWrite: true}
	resp, err := container.ReplaceItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, item, opts)
	if err != nil {
		return nil, classify("update_item", err)
	}
	return itemToMap(resp.Value, item)
}

func (s *azureStore) DeleteItem(ctx context.Context, containerName, partitionKey, id string) error {
	container, err := s.db.NewContainer(containerName)
	if err != nil {
		return classify("delete_item", err)
	}
	if _, err := container.DeleteItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil); err != nil {
		return classify("delete_item", err)
	}
	return nil
}

func (s *azureStore) QueryItems(ctx context.Context, containerName, partitionKey, query string, params []QueryParameter) ([]map[string]any, error) {
	container, err := s.db.NewContainer(containerName)
	if err != nil {
		return nil, classify("query_items", err)
	}
	// An empty partition key runs the query across all partitions.
	pk := azcosmos.PartitionKey{}
	if partitionKey != "" {
		pk = azcosmos.NewPartitionKeyString(partitionKey)
	}
	var opts *azcosmos.QueryOptions
	if len(params) > 0 {
		qp := make([]azcosmos.QueryParameter, 0, len(params))
		for _, p := range params {
			qp = append(qp, azcosmos.QueryParameter{Name: p.Name, Value: p.Value})
		}
		opts = &azcosmos.QueryOptions{QueryParameters: qp}
	}

	var items []map[string]any
	pager := container.NewQueryItemsPager(query, pk, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify("query_items", err)
		}
		for _, raw := range page.Items {
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("decode query result: %w", err)
			}
			items = append(items, m)
		}
	}
	return items, nil
}

func containerPropsToMap(props *azcosmos.ContainerProperties) (map[string]any, error) {
	if props == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode container properties: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode container properties: %w", err)
	}
	return m, nil
}

// itemToMap prefers the service's returned body and falls back to the sent
// body when the response carries none.
func itemToMap(value, sent []byte) (map[string]any, error) {
	body := value
	if len(body) == 0 {
		body = sent
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode item body: %w", err)
	}
	return m, nil
}

// classify maps SDK failures onto the gateway's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return backend.Wrap(backend.KindNotFound, op, err)
		case http.StatusConflict, http.StatusPreconditionFailed:
			return backend.Wrap(backend.KindConflict, op, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return backend.Wrap(backend.KindTransient, op, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return backend.Wrap(backend.KindTimeout, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.Wrap(backend.KindTimeout, op, err)
	}
	return err
}
