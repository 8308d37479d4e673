package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eosho/freshmcp/backend"
	"github.com/eosho/freshmcp/internal/jsonrpc"
	"github.com/eosho/freshmcp/internal/session"
	"github.com/eosho/freshmcp/mcp"
	"github.com/eosho/freshmcp/registry"
)

func makeRequest(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	m := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		m["id"] = id
	}
	if params != nil {
		m["params"] = params
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := jsonrpc.ParseRequest(b)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return req
}

func nextResponse(t *testing.T, sess *session.Session) *jsonrpc.Response {
	t.Helper()
	select {
	case ev := <-sess.Events():
		var resp jsonrpc.Response
		if err := json.Unmarshal(ev.Payload, &resp); err != nil {
			t.Fatalf("decode event payload: %v", err)
		}
		return &resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNoResponse(t *testing.T, sess *session.Session, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-sess.Events():
		t.Fatalf("unexpected event: %s", ev.Payload)
	case <-time.After(wait):
	}
}

func respErrorData(t *testing.T, resp *jsonrpc.Response) map[string]any {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("response has no error: %+v", resp)
	}
	m, ok := resp.Error.Data.(map[string]any)
	if !ok {
		t.Fatalf("error data = %#v, want object", resp.Error.Data)
	}
	return m
}

func newTestEngine(t *testing.T, tools ...registry.ToolDescriptor) *Engine {
	t.Helper()
	reg := registry.New()
	for _, d := range tools {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}
	return NewEngine(reg,
		WithServerInfo(mcp.ImplementationInfo{Name: "test_mcp", Version: "test"}),
		WithDefaultTimeout(time.Second),
	)
}

func tool(name string, h registry.Handler) registry.ToolDescriptor {
	return registry.ToolDescriptor{Tool: mcp.Tool{Name: name}, Handler: h}
}

func newTestSession() *session.Session {
	return session.New("test-session", session.Config{})
}

func TestInitialize(t *testing.T) {
	eng := newTestEngine(t)
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "client", "version": "1.0"},
	})
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", res.ProtocolVersion, mcp.ProtocolVersion)
	}
	if res.ServerInfo.Name != "test_mcp" {
		t.Errorf("serverInfo.name = %q", res.ServerInfo.Name)
	}
	if res.Capabilities.Tools == nil {
		t.Error("tools capability not advertised")
	}
}

func TestPing(t *testing.T) {
	eng := newTestEngine(t)
	sess := newTestSession()
	defer sess.Close(nil)

	if err := eng.Handle(context.Background(), sess, makeRequest(t, 1, "ping", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("ping error: %+v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	eng := newTestEngine(t)
	sess := newTestSession()
	defer sess.Close(nil)

	if err := eng.Handle(context.Background(), sess, makeRequest(t, 1, "bogus/method", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("response = %+v, want method-not-found error", resp)
	}
}

func TestToolsList(t *testing.T) {
	eng := newTestEngine(t,
		tool("alpha", func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil }),
		tool("beta", func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil }),
	)
	sess := newTestSession()
	defer sess.Close(nil)

	if err := eng.Handle(context.Background(), sess, makeRequest(t, 1, "tools/list", nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	var res mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Tools) != 2 || res.Tools[0].Name != "alpha" || res.Tools[1].Name != "beta" {
		t.Errorf("tools = %+v", res.Tools)
	}
}

func callParams(name string, args any) map[string]any {
	p := map[string]any{"name": name}
	if args != nil {
		p["arguments"] = args
	}
	return p
}

func TestToolCallSuccess(t *testing.T) {
	eng := newTestEngine(t, tool("greet", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"greeting": "hello"}, nil
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, 1, "tools/call", callParams("greet", map[string]any{}))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error != nil {
		t.Fatalf("call error: %+v", resp.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Type != "text" {
		t.Fatalf("content = %+v", res.Content)
	}
	if res.StructuredContent == nil {
		t.Error("structuredContent not set")
	}
	// Exactly one terminal event.
	expectNoResponse(t, sess, 100*time.Millisecond)
}

func TestToolCallUnknownToolNeverCallsAdapter(t *testing.T) {
	var calls atomic.Int32
	eng := newTestEngine(t, tool("known", func(ctx context.Context, args json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, nil
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, 1, "tools/call", callParams("unknown", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("response = %+v, want invalid-params error", resp)
	}
	if kind := respErrorData(t, resp)["kind"]; kind != "protocol" {
		t.Errorf("error kind = %v, want protocol", kind)
	}
	if calls.Load() != 0 {
		t.Errorf("adapter called %d times for unknown tool", calls.Load())
	}
}

func TestToolCallDuplicateID(t *testing.T) {
	eng := newTestEngine(t, tool("t", func(ctx context.Context, args json.RawMessage) (any, error) {
		return "ok", nil
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	first := makeRequest(t, 7, "tools/call", callParams("t", nil))
	if err := eng.Handle(context.Background(), sess, first); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp := nextResponse(t, sess); resp.Error != nil {
		t.Fatalf("first call failed: %+v", resp.Error)
	}

	// Same numeric ID again, including the 7.0 spelling.
	second := makeRequest(t, 7.0, "tools/call", callParams("t", nil))
	if err := eng.Handle(context.Background(), sess, second); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("response = %+v, want invalid-request error", resp)
	}
}

func TestToolCallErrorKinds(t *testing.T) {
	cases := []struct {
		kind backend.Kind
		code jsonrpc.ErrorCode
	}{
		{backend.KindProtocol, jsonrpc.ErrorCodeInvalidParams},
		{backend.KindConflict, jsonrpc.ErrorCodeConflict},
		{backend.KindNotFound, jsonrpc.ErrorCodeNotFound},
		{backend.KindTimeout, jsonrpc.ErrorCodeTimeout},
		{backend.KindTransient, jsonrpc.ErrorCodeUnavailable},
	}
	for i, tc := range cases {
		kind := tc.kind
		eng := newTestEngine(t, tool("failing", func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, backend.Errorf(kind, "failing", "boom")
		}))
		sess := newTestSession()

		req := makeRequest(t, i+1, "tools/call", callParams("failing", nil))
		if err := eng.Handle(context.Background(), sess, req); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		resp := nextResponse(t, sess)
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Errorf("kind %s: response = %+v, want code %d", tc.kind, resp, tc.code)
		} else if got := respErrorData(t, resp)["kind"]; got != string(tc.kind) {
			t.Errorf("kind %s: data kind = %v", tc.kind, got)
		}
		sess.Close(nil)
	}
}

func TestToolCallTimeout(t *testing.T) {
	slow := tool("slow", func(ctx context.Context, args json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "done", nil
		}
	})
	reg := registry.New()
	if err := reg.Register(slow); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := NewEngine(reg, WithDefaultTimeout(50*time.Millisecond))
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, 1, "tools/call", callParams("slow", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeTimeout {
		t.Fatalf("response = %+v, want timeout error", resp)
	}
	if kind := respErrorData(t, resp)["kind"]; kind != "timeout" {
		t.Errorf("error kind = %v, want timeout", kind)
	}
}

func TestToolCallCancellation(t *testing.T) {
	started := make(chan struct{})
	eng := newTestEngine(t, tool("blocker", func(ctx context.Context, args json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, "inv-1", "tools/call", callParams("blocker", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	<-started

	cancelNote := makeRequest(t, nil, "notifications/cancelled", map[string]any{
		"requestId": "inv-1",
		"reason":    "user changed their mind",
	})
	if err := eng.Handle(context.Background(), sess, cancelNote); err != nil {
		t.Fatalf("Handle cancel: %v", err)
	}

	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("response = %+v, want cancelled error", resp)
	}
	expectNoResponse(t, sess, 100*time.Millisecond)
}

func TestToolCallCancelDiscardsLateResult(t *testing.T) {
	proceed := make(chan struct{})
	started := make(chan struct{})
	eng := newTestEngine(t, tool("stubborn", func(ctx context.Context, args json.RawMessage) (any, error) {
		close(started)
		// Ignore cancellation and produce a result anyway.
		<-proceed
		return "late result", nil
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, 1, "tools/call", callParams("stubborn", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	<-started

	cancelNote := makeRequest(t, nil, "notifications/cancelled", map[string]any{"requestId": 1})
	if err := eng.Handle(context.Background(), sess, cancelNote); err != nil {
		t.Fatalf("Handle cancel: %v", err)
	}
	close(proceed)

	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("response = %+v, want cancelled error despite handler result", resp)
	}
}

func TestConcurrencyBoundHoldsBackLaterCalls(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	busy := tool("busy", func(ctx context.Context, args json.RawMessage) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return "ok", nil
	})
	eng := newTestEngine(t, busy)
	sess := session.New("test-session", session.Config{MaxConcurrent: 2})
	defer sess.Close(nil)

	for i := 0; i < 5; i++ {
		req := makeRequest(t, fmt.Sprintf("id-%d", i), "tools/call", callParams("busy", nil))
		if err := eng.Handle(context.Background(), sess, req); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got > 2 {
		t.Fatalf("running = %d, want <= 2", got)
	}
	close(release)
	for i := 0; i < 5; i++ {
		resp := nextResponse(t, sess)
		if resp.Error != nil {
			t.Fatalf("call %d failed: %+v", i, resp.Error)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestSessionCloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	eng := newTestEngine(t, tool("hang", func(ctx context.Context, args json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		finished <- context.Cause(ctx)
		return nil, ctx.Err()
	}))
	sess := newTestSession()

	req := makeRequest(t, 1, "tools/call", callParams("hang", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	<-started

	sess.Close(fmt.Errorf("stream gone"))
	select {
	case cause := <-finished:
		if cause == nil {
			t.Error("handler saw no cancel cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never cancelled on session close")
	}
}

func TestPanicForcesDrain(t *testing.T) {
	eng := newTestEngine(t, tool("exploding", func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("boom")
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	req := makeRequest(t, 1, "tools/call", callParams("exploding", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("response = %+v, want internal error", resp)
	}
	// The session must stop accepting new work.
	deadline := time.Now().Add(time.Second)
	for sess.State() != session.StateDraining && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.State() != session.StateDraining {
		t.Fatalf("state = %v, want draining after internal fault", sess.State())
	}
}

func TestResources(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(reg, WithTextResource(mcp.Resource{
		URI:      "config://version",
		Name:     "version",
		MimeType: "text/plain",
	}, "1.2.3"))
	sess := newTestSession()
	defer sess.Close(nil)

	if err := eng.Handle(context.Background(), sess, makeRequest(t, 1, "resources/list", nil)); err != nil {
		t.Fatalf("Handle list: %v", err)
	}
	listResp := nextResponse(t, sess)
	var list mcp.ListResourcesResult
	if err := json.Unmarshal(listResp.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Resources) != 1 || list.Resources[0].URI != "config://version" {
		t.Fatalf("resources = %+v", list.Resources)
	}

	readReq := makeRequest(t, 2, "resources/read", map[string]any{"uri": "config://version"})
	if err := eng.Handle(context.Background(), sess, readReq); err != nil {
		t.Fatalf("Handle read: %v", err)
	}
	readResp := nextResponse(t, sess)
	var read mcp.ReadResourceResult
	if err := json.Unmarshal(readResp.Result, &read); err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "1.2.3" {
		t.Fatalf("contents = %+v", read.Contents)
	}

	missing := makeRequest(t, 3, "resources/read", map[string]any{"uri": "config://missing"})
	if err := eng.Handle(context.Background(), sess, missing); err != nil {
		t.Fatalf("Handle missing: %v", err)
	}
	missResp := nextResponse(t, sess)
	if missResp.Error == nil || missResp.Error.Code != jsonrpc.ErrorCodeNotFound {
		t.Fatalf("response = %+v, want not-found error", missResp)
	}
}

func TestDrainingSessionRefusesCalls(t *testing.T) {
	eng := newTestEngine(t, tool("t", func(ctx context.Context, args json.RawMessage) (any, error) {
		return "ok", nil
	}))
	sess := newTestSession()
	defer sess.Close(nil)

	sess.BeginDrain()
	req := makeRequest(t, 1, "tools/call", callParams("t", nil))
	if err := eng.Handle(context.Background(), sess, req); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := nextResponse(t, sess)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeUnavailable {
		t.Fatalf("response = %+v, want unavailable error", resp)
	}
}
