// Package backend defines the capability adapter contract the dispatch engine
// calls through. An adapter exposes a fixed operation set for one backend
// family and owns all backend-specific argument validation; the engine only
// ever sees the uniform Execute surface and the error taxonomy in this
// package.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/eosho/freshmcp/mcp"
)

// Operation declares one invokable operation of an adapter, including the
// schema advertised to clients during tool discovery.
type Operation struct {
	Name        string
	Description string
	InputSchema mcp.ToolInputSchema
	// Timeout overrides the engine's default per-call deadline when non-zero.
	Timeout time.Duration
}

// Adapter is the uniform contract between the dispatch engine and a backend
// family. Execute must be safe for concurrent use by invocation tasks across
// all sessions; the supplied context carries the invocation's deadline and
// cancellation.
type Adapter interface {
	// Name identifies the backend family (e.g. "cosmosdb").
	Name() string

	// Operations returns the full, fixed operation set. Called once at
	// startup to build the tool registry.
	Operations() []Operation

	// Execute runs the named operation. Unknown operations and argument
	// validation failures return an *Error with KindProtocol without any
	// backend call being made.
	Execute(ctx context.Context, op string, args json.RawMessage) (any, error)
}

// DecodeArgs strictly decodes raw tool arguments into the typed argument
// struct for an operation. Unknown fields are rejected. Failures are
// classified as protocol errors so they never reach the backend.
func DecodeArgs[A any](op string, raw json.RawMessage) (A, error) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, Errorf(KindProtocol, op, "invalid arguments: %v", err)
	}
	return a, nil
}
