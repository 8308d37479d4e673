// Package transport serves the HTTP+SSE surface of the gateway. A GET on the
// service's sse path opens the stream and announces the message endpoint; the
// client then POSTs JSON-RPC frames to that endpoint and every reply is
// pushed back over the stream in queue order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/eosho/freshmcp/internal/dispatch"
	"github.com/eosho/freshmcp/internal/jsonrpc"
	"github.com/eosho/freshmcp/internal/logctx"
	"github.com/eosho/freshmcp/internal/session"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const sessionIDParam = "session_id"

var errStreamGone = errors.New("client stream disconnected")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a frame reaches the dispatch engine.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Handler serves one gateway service (e.g. "cosmos") under /<service>/.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	eng *dispatch.Engine

	service    string
	heartbeat  time.Duration
	drainGrace time.Duration
	sessCfg    session.Config

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Option configures the handler.
type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithHeartbeatInterval sets how often an idle stream receives a keepalive
// comment.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithDrainGrace sets how long in-flight invocations get to finish after the
// stream goes away before they are cancelled.
func WithDrainGrace(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.drainGrace = d
		}
	}
}

// WithSessionConfig bounds the per-session queues.
func WithSessionConfig(cfg session.Config) Option {
	return func(h *Handler) { h.sessCfg = cfg }
}

// New builds a handler for one service path prefix.
func New(service string, eng *dispatch.Engine, opts ...Option) (*Handler, error) {
	if service == "" {
		return nil, fmt.Errorf("service path prefix must not be empty")
	}
	if eng == nil {
		return nil, fmt.Errorf("dispatch engine must not be nil")
	}
	h := &Handler{
		log:        slog.Default(),
		eng:        eng,
		service:    service,
		heartbeat:  15 * time.Second,
		drainGrace: 5 * time.Second,
		sessions:   make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET /%s/sse", service), h.handleSSE)
	mux.HandleFunc(fmt.Sprintf("POST /%s/messages/", service), h.handleMessages)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "service": h.service})
}

// handleSSE opens the event stream for a new session. The first event on the
// stream is the endpoint announcement the client must POST messages to.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept header must allow text/event-stream")
			h.log.WarnContext(ctx, "http.sse.accept_unsupported", slog.String("accept", acc))
			return
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "http.sse.flusher_missing")
		return
	}

	sess := session.New(uuid.NewString(), h.sessCfg)
	h.mu.Lock()
	h.sessions[sess.ID()] = sess
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.ID())
		h.mu.Unlock()
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})
	h.log.InfoContext(ctx, "http.sse.open")

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}

	endpoint := fmt.Sprintf("/%s/messages/?%s=%s", h.service, sessionIDParam, sess.ID())
	if err := writeSSEEvent(wf, "", "endpoint", []byte(endpoint)); err != nil {
		h.log.WarnContext(ctx, "http.sse.endpoint_write_failed", slog.String("err", err.Error()))
		sess.Close(errStreamGone)
		return
	}

	h.pump(ctx, r.Context(), wf, sess)
	h.log.InfoContext(ctx, "http.sse.closed", slog.Duration("dur", time.Since(start)))
}

// pump moves queued session events onto the wire and keeps the stream alive
// with heartbeats while it is idle. It returns once the session closes or the
// client disconnects.
func (h *Handler) pump(ctx, reqCtx context.Context, wf *lockedWriteFlusher, sess *session.Session) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-reqCtx.Done():
			// Client went away. Give in-flight work its grace period, then
			// tear the session down.
			h.log.InfoContext(ctx, "http.sse.disconnect",
				slog.Int("in_flight", sess.InFlight()),
			)
			sess.Drain(h.drainGrace, errStreamGone)
			return
		case <-sess.Done():
			return
		case ev := <-sess.Events():
			if err := writeSSEEvent(wf, ev.ID, "message", ev.Payload); err != nil {
				h.log.WarnContext(ctx, "http.sse.write_failed", slog.String("err", err.Error()))
				sess.Drain(h.drainGrace, errStreamGone)
				return
			}
			ticker.Reset(h.heartbeat)
		case <-ticker.C:
			if err := writeSSEComment(wf, "ping"); err != nil {
				h.log.WarnContext(ctx, "http.sse.heartbeat_failed", slog.String("err", err.Error()))
				sess.Drain(h.drainGrace, errStreamGone)
				return
			}
		}
	}
}

// handleMessages accepts one JSON-RPC frame for an established session. The
// frame is acknowledged with 202; any reply arrives over the session stream.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type_unsupported")
		return
	}

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session_id")
		h.log.WarnContext(ctx, "http.post.session_id_missing")
		return
	}
	h.mu.Lock()
	sess := h.sessions[sessionID]
	h.mu.Unlock()
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		h.log.WarnContext(ctx, "http.post.session_unknown")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unable to read body")
		h.log.WarnContext(ctx, "http.post.body_read_failed", slog.String("err", err.Error()))
		return
	}
	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "http.post.parse_failed", slog.String("err", err.Error()))
		return
	}

	if err := h.eng.Handle(ctx, sess, req); err != nil {
		// The session queue is gone; the POST body can never be answered.
		writeJSONError(w, http.StatusGone, "session closed")
		h.log.WarnContext(ctx, "http.post.session_closed")
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.DebugContext(ctx, "http.post.accepted",
		slog.String("rpc_method", req.Method),
		slog.Duration("dur", time.Since(start)),
	)
}
