// Package dispatch turns parsed JSON-RPC requests into session events. It
// owns the invocation lifecycle for tools/call: admission under the
// per-session concurrency bound, per-call deadlines, cancellation, and the
// guarantee that every accepted invocation produces exactly one terminal
// event on the session queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eosho/freshmcp/backend"
	"github.com/eosho/freshmcp/internal/jsonrpc"
	"github.com/eosho/freshmcp/internal/logctx"
	"github.com/eosho/freshmcp/internal/session"
	"github.com/eosho/freshmcp/mcp"
	"github.com/eosho/freshmcp/registry"
)

const defaultCallTimeout = 30 * time.Second

// ErrClientCancelled is the cancel cause recorded when the client asks for an
// invocation to stop.
var ErrClientCancelled = errors.New("cancelled by client")

type resourceEntry struct {
	res  mcp.Resource
	text string
}

// Engine routes MCP methods for all sessions of one gateway instance.
type Engine struct {
	reg            *registry.Registry
	log            *slog.Logger
	info           mcp.ImplementationInfo
	instructions   string
	defaultTimeout time.Duration
	resources      []resourceEntry
}

// EngineOption configures NewEngine.
type EngineOption func(*Engine)

func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// WithDefaultTimeout sets the per-call deadline used when a tool descriptor
// does not carry its own.
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithTextResource registers a static readable resource.
func WithTextResource(res mcp.Resource, text string) EngineOption {
	return func(e *Engine) {
		e.resources = append(e.resources, resourceEntry{res: res, text: text})
	}
}

func NewEngine(reg *registry.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:            reg,
		log:            slog.Default(),
		info:           mcp.ImplementationInfo{Name: "freshmcp", Version: "dev"},
		defaultTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle processes one request or notification for sess. Every reply it
// produces goes onto the session's event queue; the returned error is for the
// transport only and means the session could not accept events at all.
func (e *Engine) Handle(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		State:     sess.State().String(),
	})
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID: req.ID.String(),
		Method:    req.Method,
	})

	start := time.Now()
	var err error
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		err = e.handleInitialize(ctx, sess, req)
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "dispatch.initialized")
	case mcp.PingMethod:
		err = e.pushResult(ctx, sess, req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		err = e.pushResult(ctx, sess, req.ID, &mcp.ListToolsResult{Tools: e.reg.List()})
	case mcp.ToolsCallMethod:
		err = e.handleToolCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		err = e.handleResourcesList(ctx, sess, req)
	case mcp.ResourcesReadMethod:
		err = e.handleResourcesRead(ctx, sess, req)
	case mcp.CancelledNotificationMethod:
		e.handleCancelled(ctx, sess, req)
	default:
		if req.IsNotification() {
			e.log.DebugContext(ctx, "dispatch.notification.ignored", slog.String("method", req.Method))
			return nil
		}
		err = e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
	if err != nil {
		e.log.WarnContext(ctx, "dispatch.handle.failed", slog.String("err", err.Error()))
		return err
	}
	e.log.DebugContext(ctx, "dispatch.handle.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

func (e *Engine) handleInitialize(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams,
				fmt.Sprintf("invalid initialize params: %v", err), protocolErrorData())
		}
	}
	e.log.InfoContext(ctx, "dispatch.initialize",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("client_protocol", params.ProtocolVersion),
	)

	res := &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{},
		},
		ServerInfo:   e.info,
		Instructions: e.instructions,
	}
	if len(e.resources) > 0 {
		res.Capabilities.Resources = &mcp.ResourcesCapability{}
	}
	return e.pushResult(ctx, sess, req.ID, res)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error {
	out := make([]mcp.Resource, 0, len(e.resources))
	for _, r := range e.resources {
		out = append(out, r.res)
	}
	return e.pushResult(ctx, sess, req.ID, &mcp.ListResourcesResult{Resources: out})
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams,
			"resources/read requires a uri", protocolErrorData())
	}
	for _, r := range e.resources {
		if r.res.URI == params.URI {
			return e.pushResult(ctx, sess, req.ID, &mcp.ReadResourceResult{
				Contents: []mcp.ResourceContents{{
					URI:      r.res.URI,
					MimeType: r.res.MimeType,
					Text:     r.text,
				}},
			})
		}
	}
	return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeNotFound,
		fmt.Sprintf("unknown resource: %s", params.URI), errorData(backend.KindNotFound))
}

func (e *Engine) handleCancelled(ctx context.Context, sess *session.Session, req *jsonrpc.Request) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
		e.log.DebugContext(ctx, "dispatch.cancel.invalid_params")
		return
	}
	var rid jsonrpc.RequestID
	if err := json.Unmarshal(params.RequestID, &rid); err != nil {
		e.log.DebugContext(ctx, "dispatch.cancel.invalid_request_id")
		return
	}
	cause := ErrClientCancelled
	if params.Reason != "" {
		cause = fmt.Errorf("%w: %s", ErrClientCancelled, params.Reason)
	}
	if sess.Cancel(rid.String(), cause) {
		e.log.InfoContext(ctx, "dispatch.cancel.requested", slog.String("inv_id", rid.String()))
	} else {
		// Unknown or already-finished invocation. Cancellation is best
		// effort, so this is not an error.
		e.log.DebugContext(ctx, "dispatch.cancel.no_target", slog.String("inv_id", rid.String()))
	}
}

func (e *Engine) handleToolCall(ctx context.Context, sess *session.Session, req *jsonrpc.Request) error {
	if req.IsNotification() {
		e.log.DebugContext(ctx, "dispatch.call.missing_id")
		return nil
	}
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams,
			"tools/call requires a tool name", protocolErrorData())
	}

	invID := req.ID.String()
	if err := sess.ReserveInvocationID(invID); err != nil {
		switch {
		case errors.Is(err, session.ErrDuplicateInvocationID):
			return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidRequest,
				fmt.Sprintf("request id already used: %s", invID), protocolErrorData())
		case errors.Is(err, session.ErrDraining):
			return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeUnavailable,
				"session is draining", errorData(backend.KindTransient))
		default:
			return err
		}
	}

	inv := newInvocation(invID, params.Name, params.Arguments)

	// The invocation outlives the POST that delivered it; only session
	// teardown or an explicit cancel stops it.
	ictx := context.WithoutCancel(ctx)
	ictx = logctx.WithInvocationData(ictx, &logctx.InvocationData{
		InvocationID: invID,
		ToolName:     params.Name,
	})
	cctx, cancel := context.WithCancelCause(ictx)
	sess.TrackInvocation(invID, cancel)

	id := req.ID
	if err := sess.Admit(func() { e.run(cctx, sess, inv, id) }); err != nil {
		sess.EndInvocation(invID)
		cancel(err)
		if errors.Is(err, session.ErrPendingOverflow) {
			return e.pushError(ctx, sess, req.ID, jsonrpc.ErrorCodeUnavailable,
				"too many pending invocations", errorData(backend.KindTransient))
		}
		return err
	}
	e.log.InfoContext(ctx, "dispatch.call.accepted", slog.String("tool", params.Name))
	return nil
}

// run executes one admitted invocation and emits its single terminal event.
func (e *Engine) run(ctx context.Context, sess *session.Session, inv *invocation, id *jsonrpc.RequestID) {
	defer sess.EndInvocation(inv.id)
	defer func() {
		if r := recover(); r != nil {
			inv.transition(StatusFailed)
			e.log.ErrorContext(ctx, "dispatch.invoke.panic", slog.Any("panic", r))
			_ = e.pushError(ctx, sess, id, jsonrpc.ErrorCodeInternalError,
				"internal error", errorData("internal"))
			// An internal fault means this session's state can no longer be
			// trusted; stop accepting new work on it.
			sess.BeginDrain()
		}
	}()

	start := time.Now()

	// Cancelled while waiting for a run slot.
	if cause := context.Cause(ctx); cause != nil {
		e.finishCancelled(ctx, sess, inv, id, cause)
		return
	}

	desc, err := e.reg.Lookup(inv.tool)
	if err != nil {
		inv.transition(StatusFailed)
		e.log.InfoContext(ctx, "dispatch.invoke.unknown_tool", slog.String("tool", inv.tool))
		_ = e.pushError(ctx, sess, id, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unknown tool: %s", inv.tool), protocolErrorData())
		return
	}

	inv.transition(StatusRunning)
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	defer tcancel()

	result, callErr := desc.Handler(tctx, inv.arguments)

	// A cancelled invocation reports cancellation even when the handler
	// managed to return a result; the result is discarded.
	if cause := context.Cause(ctx); cause != nil {
		e.finishCancelled(ctx, sess, inv, id, cause)
		return
	}

	if callErr != nil {
		inv.transition(StatusFailed)
		code, data, msg := classifyCallError(callErr)
		e.log.InfoContext(ctx, "dispatch.invoke.failed",
			slog.String("tool", inv.tool),
			slog.Int("code", int(code)),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
			slog.String("err", callErr.Error()),
		)
		_ = e.pushError(ctx, sess, id, code, msg, data)
		return
	}

	inv.transition(StatusSucceeded)
	e.log.InfoContext(ctx, "dispatch.invoke.ok",
		slog.String("tool", inv.tool),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	_ = e.pushResult(ctx, sess, id, toolResult(result))
}

func (e *Engine) finishCancelled(ctx context.Context, sess *session.Session, inv *invocation, id *jsonrpc.RequestID, cause error) {
	inv.transition(StatusCancelled)
	e.log.InfoContext(ctx, "dispatch.invoke.cancelled",
		slog.String("tool", inv.tool),
		slog.String("cause", cause.Error()),
	)
	_ = e.pushError(ctx, sess, id, jsonrpc.ErrorCodeRequestCancelled,
		"invocation cancelled", map[string]any{"kind": "cancelled", "reason": cause.Error()})
}

// classifyCallError maps an adapter failure to its wire error code and
// payload.
func classifyCallError(err error) (jsonrpc.ErrorCode, map[string]any, string) {
	if kind, ok := backend.KindOf(err); ok {
		return kindCode(kind), errorData(kind), err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return jsonrpc.ErrorCodeTimeout, errorData(backend.KindTimeout), "invocation deadline exceeded"
	}
	return jsonrpc.ErrorCodeInternalError, errorData("internal"), "internal error"
}

func kindCode(kind backend.Kind) jsonrpc.ErrorCode {
	switch kind {
	case backend.KindProtocol:
		return jsonrpc.ErrorCodeInvalidParams
	case backend.KindConflict:
		return jsonrpc.ErrorCodeConflict
	case backend.KindNotFound:
		return jsonrpc.ErrorCodeNotFound
	case backend.KindTimeout:
		return jsonrpc.ErrorCodeTimeout
	case backend.KindTransient:
		return jsonrpc.ErrorCodeUnavailable
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

func errorData(kind backend.Kind) map[string]any {
	return map[string]any{"kind": string(kind)}
}

func protocolErrorData() map[string]any {
	return errorData(backend.KindProtocol)
}

// toolResult shapes a handler's return value into the wire result. Plain
// values are serialized into a text block and also attached as structured
// content.
func toolResult(v any) *mcp.CallToolResult {
	switch r := v.(type) {
	case nil:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	case *mcp.CallToolResult:
		return r
	case string:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: r}}}
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			b = []byte(fmt.Sprintf("%v", v))
		}
		return &mcp.CallToolResult{
			Content:           []mcp.ContentBlock{{Type: "text", Text: string(b)}},
			StructuredContent: v,
		}
	}
}

func (e *Engine) pushResult(ctx context.Context, sess *session.Session, id *jsonrpc.RequestID, result any) error {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return e.push(ctx, sess, resp)
}

func (e *Engine) pushError(ctx context.Context, sess *session.Session, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, data map[string]any) error {
	return e.push(ctx, sess, jsonrpc.NewErrorResponse(id, code, msg, data))
}

func (e *Engine) push(ctx context.Context, sess *session.Session, resp *jsonrpc.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if _, err := sess.Enqueue(b); err != nil {
		e.log.DebugContext(ctx, "dispatch.push.dropped", slog.String("err", err.Error()))
		return err
	}
	return nil
}
