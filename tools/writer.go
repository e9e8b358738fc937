package tools

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/mcp"
)

// ResponseWriter allows a tool handler to incrementally compose a
// CallToolResult.
//
// Notes:
// - It is concurrency-safe for use within a single request.
// - Writes after finalization (Result) are ignored and return ErrFinalized.
// - Append methods check ctx.Done() and return the context error promptly.
type ResponseWriter interface {
	AppendText(text string) error
	// AppendJSON appends v as indented JSON text and records it as the
	// structured content of the result when v encodes to an object.
	AppendJSON(v any) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	SetError(isError bool)
	SetMeta(key string, v any)
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

// ErrFinalized is returned when attempting to write after Result() was called.
var ErrFinalized = errors.New("result already finalized")

type responseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks     []mcp.ContentBlock
	structured map[string]any
	isError    bool
	meta       map[string]any
}

var _ ResponseWriter = (*responseWriter)(nil)

func newResponseWriter(ctx context.Context) *responseWriter {
	return &responseWriter{ctx: ctx, meta: make(map[string]any)}
}

func (w *responseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.TextBlock(text))
}

func (w *responseWriter) AppendJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := w.AppendBlocks(mcp.TextBlock(string(b))); err != nil {
		return err
	}
	var m map[string]any
	if json.Unmarshal(b, &m) == nil {
		w.mu.Lock()
		w.structured = m
		w.mu.Unlock()
	}
	return nil
}

func (w *responseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *responseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *responseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *responseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	res := &mcp.CallToolResult{
		Content:           append([]mcp.ContentBlock{}, w.blocks...),
		IsError:           w.isError,
		StructuredContent: maps.Clone(w.structured),
	}
	if len(w.meta) > 0 {
		res.Meta = maps.Clone(w.meta)
	}
	return res
}
