package logctx

import (
	"context"
	"log/slog"

	"github.com/ggoodman/mcp-gateway-go/reqctx"
)

// Handler decorates records with req, sess, rpc and tool groups drawn from
// the context passed to the *Context logging methods.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		attrs := []any{
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		}
		if rd.CorrelationID != "" {
			attrs = append(attrs, slog.String("correlation_id", rd.CorrelationID))
		}
		r.AddAttrs(slog.Group("req", attrs...))
	}

	if rc, ok := reqctx.FromContext(ctx); ok {
		attrs := []any{
			slog.String("id", rc.SessionID),
			slog.String("client", rc.ClientInfo().Name),
		}
		if ws := rc.WorkspacePath(); ws != "" {
			attrs = append(attrs, slog.String("workspace", ws))
		}
		r.AddAttrs(slog.Group("sess", attrs...))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID     string
	CorrelationID string
	Method        string
	UserAgent     string
	RemoteAddr    string
	Path          string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
