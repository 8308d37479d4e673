// Package registry holds the immutable set of tools a gateway instance
// advertises. The registry is assembled once at startup from capability
// adapters and never mutated while serving, so lookups need no locking.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eosho/freshmcp/backend"
	"github.com/eosho/freshmcp/mcp"
)

var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrUnknownTool is returned by Lookup for names not in the registry.
	ErrUnknownTool = errors.New("unknown tool")
)

// Handler executes one tool invocation. The context carries the invocation's
// deadline and cancellation.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDescriptor pairs the wire-visible tool definition with its handler and
// per-call deadline.
type ToolDescriptor struct {
	Tool mcp.Tool
	// Timeout overrides the engine default when non-zero.
	Timeout time.Duration
	Handler Handler
}

// Registry is the fixed tool set for one gateway instance. Build it fully
// before serving; it is not safe to register tools concurrently with lookups.
type Registry struct {
	order  []string
	byName map[string]*ToolDescriptor
}

func New() *Registry {
	return &Registry{byName: make(map[string]*ToolDescriptor)}
}

// Register adds a tool. Names must be unique across all adapters.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q has no handler", d.Tool.Name)
	}
	if _, exists := r.byName[d.Tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Tool.Name)
	}
	dd := d
	r.byName[d.Tool.Name] = &dd
	r.order = append(r.order, d.Tool.Name)
	return nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (*ToolDescriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return d, nil
}

// List returns tool definitions in registration order.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Tool)
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// RegisterAdapter registers every operation of a capability adapter. Each
// tool's handler closes over the adapter's Execute with the operation name
// fixed.
func RegisterAdapter(r *Registry, a backend.Adapter) error {
	for _, op := range a.Operations() {
		op := op
		err := r.Register(ToolDescriptor{
			Tool: mcp.Tool{
				Name:        op.Name,
				Description: op.Description,
				InputSchema: op.InputSchema,
			},
			Timeout: op.Timeout,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return a.Execute(ctx, op.Name, args)
			},
		})
		if err != nil {
			return fmt.Errorf("register %s tools: %w", a.Name(), err)
		}
	}
	return nil
}
