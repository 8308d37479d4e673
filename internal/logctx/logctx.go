// Package logctx enriches slog records with request, session, and invocation
// attributes carried on the context, so call sites log once and every record
// in the call tree picks up the surrounding identifiers.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an slog.Handler and appends context-scoped attribute groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("state", sd.State),
		))
	}

	if id, ok := ctx.Value(invocationDataKey{}).(*InvocationData); ok {
		r.AddAttrs(slog.Group("inv",
			slog.String("id", id.InvocationID),
			slog.String("tool", id.ToolName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a record belongs to.
type SessionData struct {
	SessionID string
	State     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type invocationDataKey struct{}

// InvocationData identifies one tool invocation.
type InvocationData struct {
	InvocationID string
	ToolName     string
}

func WithInvocationData(ctx context.Context, data *InvocationData) context.Context {
	return context.WithValue(ctx, invocationDataKey{}, data)
}
