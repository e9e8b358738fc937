package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/apperr"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/mcp"
)

// DefaultPageSize is the tools/list page size.
const DefaultPageSize = 50

// Registry owns an immutable-after-construction set of tools. It is safe for
// concurrent use and shared by every per-request protocol handler.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
	pageSize int
	log      *slog.Logger
}

type RegistryOption func(*Registry)

// WithPageSize sets the pagination size used by List. A non-positive value is
// ignored.
func WithPageSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry builds a registry. On duplicate names the last tool wins.
func NewRegistry(defs []Tool, opts ...RegistryOption) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(defs)), pageSize: DefaultPageSize, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	for _, d := range defs {
		if _, dup := r.handlers[d.Descriptor.Name]; dup {
			for i := range r.tools {
				if r.tools[i].Name == d.Descriptor.Name {
					r.tools[i] = d.Descriptor
				}
			}
		} else {
			r.tools = append(r.tools, d.Descriptor)
		}
		r.handlers[d.Descriptor.Name] = d.Handler
	}
	return r
}

// Has reports whether a tool named name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Snapshot returns a copy of all tool descriptors.
func (r *Registry) Snapshot() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]mcp.Tool(nil), r.tools...)
}

// List returns one page of tools starting at cursor.
func (r *Registry) List(cursor string) (*mcp.ListToolsResult, error) {
	all := r.Snapshot()
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(all) {
			return nil, apperr.Validation("invalid cursor")
		}
		start = n
	}
	end := min(start+r.pageSize, len(all))
	res := &mcp.ListToolsResult{Tools: all[start:end]}
	if end < len(all) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res, nil
}

// Call dispatches a request to the named tool. Unknown tools are a protocol
// error. Handler errors and panics become in-band error results so the
// client can see what went wrong with the upstream call.
func (r *Registry) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (res *mcp.CallToolResult, err error) {
	if req == nil || req.Name == "" {
		return nil, apperr.Validation("invalid tool request: missing name")
	}
	r.mu.RLock()
	h := r.handlers[req.Name]
	r.mu.RUnlock()
	if h == nil {
		return nil, apperr.Validation(fmt.Sprintf("unknown tool: %s", req.Name))
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name})
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "tool.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			res, err = ErrorResult(fmt.Errorf("tool panic: %v", rec)), nil
		}
	}()

	res, err = h(ctx, SessionFrom(ctx), req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ae := apperr.From(err)
		if ae.Kind == apperr.KindInternal {
			r.log.ErrorContext(ctx, "tool.fail", slog.String("err", err.Error()))
		} else {
			r.log.WarnContext(ctx, "tool.fail", slog.String("kind", ae.Kind.String()), slog.String("err", err.Error()))
		}
		return ErrorResult(err), nil
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return res, nil
}

// ErrorResult converts err into an in-band tool error carrying the
// classified error data under _meta.error.
func ErrorResult(err error) *mcp.CallToolResult {
	ae := apperr.From(err)
	res := Errorf("%s", ae.Message)
	res.Meta = map[string]any{"error": ae.RPCError().Data}
	return res
}
