package registry

import (
	"context"
	"encoding/json"

	"github.com/eosho/freshmcp/backend"
	"github.com/eosho/freshmcp/mcp"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo back"`
}

// EchoTool is a diagnostic tool both gateway binaries register. It round-trips
// a message without touching any backend, which makes it useful for verifying
// the stream end to end.
func EchoTool() ToolDescriptor {
	return ToolDescriptor{
		Tool: mcp.Tool{
			Name:        "echo",
			Description: "Echo a message back to the caller.",
			InputSchema: InputSchema[echoArgs](),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			a, err := backend.DecodeArgs[echoArgs]("echo", args)
			if err != nil {
				return nil, err
			}
			if a.Message == "" {
				return nil, backend.Errorf(backend.KindProtocol, "echo", "message is required")
			}
			return map[string]any{"message": a.Message}, nil
		},
	}
}
