package searchindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eosho/freshmcp/backend"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, nil, nil)
}

func TestCreateIndexRequest(t *testing.T) {
	var gotPath, gotMatch string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMatch = r.Header.Get("If-None-Match")
		if r.URL.Query().Get("api-version") != apiVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(gotBody)
	})

	out, err := c.CreateIndex(context.Background(), "docs")
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if !strings.Contains(gotPath, "indexes('docs')") {
		t.Errorf("path = %q", gotPath)
	}
	if gotMatch != "*" {
		t.Errorf("If-None-Match = %q, want *", gotMatch)
	}
	if gotBody["name"] != "docs" {
		t.Errorf("body name = %v", gotBody["name"])
	}
	fields, ok := gotBody["fields"].([]any)
	if !ok || len(fields) != 5 {
		t.Fatalf("fields = %v, want 5 entries", gotBody["fields"])
	}
	key := fields[0].(map[string]any)
	if key["name"] != "id" || key["key"] != true {
		t.Errorf("key field = %v", key)
	}
	if out["name"] != "docs" {
		t.Errorf("result = %v", out)
	}
}

func TestClientCreateIndexConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"Conflict","message":"index already exists"}}`))
	})
	_, err := c.CreateIndex(context.Background(), "docs")
	if !backend.IsKind(err, backend.KindConflict) {
		t.Fatalf("err = %v, want conflict kind", err)
	}
}

func TestListIndexes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"name":"docs"},{"name":"logs"}]}`))
	})
	names, err := c.ListIndexes(context.Background())
	if err != nil {
		t.Fatalf("ListIndexes: %v", err)
	}
	if len(names) != 2 || names[0] != "docs" || names[1] != "logs" {
		t.Errorf("names = %v", names)
	}
}

func TestDescribeIndexNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NotFound","message":"no such index"}}`))
	})
	_, err := c.DescribeIndex(context.Background(), "missing")
	if !backend.IsKind(err, backend.KindNotFound) {
		t.Fatalf("err = %v, want not_found kind", err)
	}
}

func TestDeleteIndex(t *testing.T) {
	var gotMethod string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteIndex(context.Background(), "docs"); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
}

func TestSearch(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"id":"1","title":"hello"}]}`))
	})
	results, err := c.Search(context.Background(), "docs", "hello world", "full")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(gotPath, "indexes('docs')/docs/search.post.search") {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["search"] != "hello world" || gotBody["queryType"] != "full" {
		t.Errorf("body = %v", gotBody)
	}
	if len(results) != 1 || results[0]["title"] != "hello" {
		t.Errorf("results = %v", results)
	}
}
