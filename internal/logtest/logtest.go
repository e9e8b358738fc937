// Package logtest routes slog output into the testing log and lets tests
// assert on emitted records.
package logtest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// Bridge is an implementation of slog.Handler that works
// with the stdlib testing pkg. Every record is also kept so tests can
// inspect it through Records.
type Bridge struct {
	slog.Handler
	t     testing.TB
	buf   *bytes.Buffer
	mu    *sync.Mutex
	store *store
}

type store struct {
	mu      sync.Mutex
	records []Record
}

// Record is a captured log record with its attributes flattened to
// dotted keys.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.capture(rec)

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

func (b *Bridge) capture(rec slog.Record) {
	attrs := make(map[string]any)
	rec.Attrs(func(a slog.Attr) bool {
		flatten(attrs, "", a)
		return true
	})
	b.store.mu.Lock()
	b.store.records = append(b.store.records, Record{Level: rec.Level, Message: rec.Message, Attrs: attrs})
	b.store.mu.Unlock()
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + a.Key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			flatten(dst, key, ga)
		}
		return
	}
	dst[key] = v.Any()
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		store:   b.store,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		store:   b.store,
		Handler: b.Handler.WithGroup(name),
	}
}

// Records returns the records captured so far with the given message, or
// all records when msg is empty.
func (b *Bridge) Records(msg string) []Record {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	var out []Record
	for _, r := range b.store.records {
		if msg == "" || r.Message == msg {
			out = append(out, r)
		}
	}
	return out
}

// NewHandler returns a debug-level Bridge writing to t.Log.
func NewHandler(t testing.TB) *Bridge {
	b := &Bridge{
		t:     t,
		buf:   &bytes.Buffer{},
		mu:    &sync.Mutex{},
		store: &store{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}

// NewLogger returns a logger backed by NewHandler and the handler itself.
func NewLogger(t testing.TB) (*slog.Logger, *Bridge) {
	h := NewHandler(t)
	return slog.New(h), h
}
