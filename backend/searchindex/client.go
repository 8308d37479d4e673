// Package searchindex exposes Azure AI Search index management and query
// operations as gateway tools. There is no official Go SDK for the service's
// data plane, so the client here speaks the REST API directly through an
// azcore pipeline.
package searchindex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/eosho/freshmcp/backend"
)

const (
	apiVersion = "2023-11-01"
	tokenScope = "https://search.azure.com/.default"
)

// Service is the contract the adapter drives. Tests substitute a fake.
type Service interface {
	CreateIndex(ctx context.Context, name string) (map[string]any, error)
	ListIndexes(ctx context.Context) ([]string, error)
	DescribeIndex(ctx context.Context, name string) (map[string]any, error)
	DeleteIndex(ctx context.Context, name string) error
	Search(ctx context.Context, index, query, queryType string) ([]map[string]any, error)
}

// Client calls the Azure AI Search REST API.
type Client struct {
	endpoint string
	pl       runtime.Pipeline
}

var _ Service = (*Client)(nil)

// NewClient builds a client for one search service. A nil credential skips
// the bearer token policy, which is how tests point the client at a local
// HTTP server.
func NewClient(endpoint string, cred azcore.TokenCredential, opts *policy.ClientOptions) *Client {
	var perRetry []policy.Policy
	if cred != nil {
		perRetry = append(perRetry, runtime.NewBearerTokenPolicy(cred, []string{tokenScope}, nil))
	}
	pl := runtime.NewPipeline("freshmcp-searchindex", "v1",
		runtime.PipelineOptions{PerRetry: perRetry}, opts)
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		pl:       pl,
	}
}

// defaultIndexDefinition is the document-oriented field set every created
// index starts with.
func defaultIndexDefinition(name string) map[string]any {
	return map[string]any{
		"name": name,
		"fields": []map[string]any{
			{"name": "id", "type": "Edm.String", "key": true, "searchable": false},
			{"name": "content", "type": "Edm.String", "searchable": true, "filterable": false, "sortable": false, "facetable": false},
			{"name": "metadata", "type": "Edm.String", "searchable": true, "filterable": true, "sortable": true, "facetable": true},
			{"name": "title", "type": "Edm.String", "searchable": true, "filterable": true, "sortable": true, "facetable": false},
			{"name": "created_at", "type": "Edm.DateTimeOffset", "filterable": true, "sortable": true, "facetable": false},
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*policy.Request, error) {
	req, err := runtime.NewRequest(ctx, method, runtime.JoinPaths(c.endpoint, path))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.Raw().URL.Query()
	q.Set("api-version", apiVersion)
	req.Raw().URL.RawQuery = q.Encode()
	return req, nil
}

func (c *Client) CreateIndex(ctx context.Context, name string) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodPut, fmt.Sprintf("/indexes('%s')", name))
	if err != nil {
		return nil, err
	}
	if err := runtime.MarshalAsJSON(req, defaultIndexDefinition(name)); err != nil {
		return nil, fmt.Errorf("encode index definition: %w", err)
	}
	// If-None-Match makes the PUT create-only so an existing index surfaces
	// as a conflict instead of being overwritten.
	req.Raw().Header.Set("If-None-Match", "*")
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, classify("create_index", err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated) {
		return nil, classify("create_index", runtime.NewResponseError(resp))
	}
	var out map[string]any
	if err := runtime.UnmarshalAsJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return out, nil
}

func (c *Client) ListIndexes(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/indexes")
	if err != nil {
		return nil, err
	}
	q := req.Raw().URL.Query()
	q.Set("$select", "name")
	req.Raw().URL.RawQuery = q.Encode()
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, classify("list_indexes", err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, classify("list_indexes", runtime.NewResponseError(resp))
	}
	var out struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := runtime.UnmarshalAsJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	names := make([]string, 0, len(out.Value))
	for _, v := range out.Value {
		names = append(names, v.Name)
	}
	return names, nil
}

func (c *Client) DescribeIndex(ctx context.Context, name string) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/indexes('%s')", name))
	if err != nil {
		return nil, err
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, classify("describe_index", err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, classify("describe_index", runtime.NewResponseError(resp))
	}
	var out map[string]any
	if err := runtime.UnmarshalAsJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("decode describe response: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf("/indexes('%s')", name))
	if err != nil {
		return err
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return classify("delete_index", err)
	}
	if !runtime.HasStatusCode(resp, http.StatusNoContent) {
		return classify("delete_index", runtime.NewResponseError(resp))
	}
	return nil
}

func (c *Client) Search(ctx context.Context, index, query, queryType string) ([]map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/indexes('%s')/docs/search.post.search", index))
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"search":    query,
		"queryType": queryType,
	}
	if err := runtime.MarshalAsJSON(req, body); err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, classify("query_index", err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, classify("query_index", runtime.NewResponseError(resp))
	}
	var out struct {
		Value []map[string]any `json:"value"`
	}
	if err := runtime.UnmarshalAsJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Value, nil
}

// classify maps REST failures onto the gateway's error taxonomy.
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
