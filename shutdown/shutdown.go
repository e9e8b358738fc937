// Package shutdown coordinates graceful process termination: it tracks
// accepted-but-unfinished requests, refuses new ones once draining starts,
// stops background workers, and waits a bounded time for in-flight work.
package shutdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway-go/apperr"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/reqctx"
)

const (
	DefaultMaxDrain     = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrDrainTimeout is returned by Shutdown when requests were still in flight
// after the drain window.
var ErrDrainTimeout = errors.New("shutdown: drain window elapsed with requests in flight")

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

type Coordinator struct {
	maxDrain     time.Duration
	pollInterval time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	draining bool
	inflight map[string]time.Time
	hooks    []hook
	seq      uint64
}

type Option func(*Coordinator)

// WithMaxDrain bounds how long Shutdown waits for in-flight requests.
func WithMaxDrain(d time.Duration) Option {
	return func(c *Coordinator) { c.maxDrain = d }
}

// WithPollInterval sets how often Shutdown checks the in-flight count.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		maxDrain:     DefaultMaxDrain,
		pollInterval: DefaultPollInterval,
		log:          slog.Default(),
		inflight:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxDrain <= 0 {
		c.maxDrain = DefaultMaxDrain
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	return c
}

// OnShutdown registers a stop hook. Hooks run in registration order when
// Shutdown begins, inside the drain window.
func (c *Coordinator) OnShutdown(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook{name: name, fn: fn})
}

// Draining reports whether Shutdown has begun.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// Begin tracks a request under id and returns the function that ends
// tracking. The returned function is safe to call more than once. Begin
// reports false once draining has started.
func (c *Coordinator) Begin(id string) (end func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return func() {}, false
	}
	// Two concurrent requests may present the same client-supplied id.
	key := id
	if _, dup := c.inflight[key]; dup {
		c.seq++
		key = fmt.Sprintf("%s#%d", id, c.seq)
	}
	c.inflight[key] = time.Now()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		})
	}, true
}

// InFlight returns the number of tracked requests.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Outstanding returns the ids of tracked requests, sorted.
func (c *Coordinator) Outstanding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Middleware tracks each request for the duration of next and rejects new
// requests with 503 once draining. Every request is assigned a fresh id,
// recorded on its context with reqctx.WithRequestID and echoed in the
// X-Request-Id response header.
func (c *Coordinator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := reqctx.NewRequestID()
		r = r.WithContext(reqctx.WithRequestID(r.Context(), id))
		w.Header().Set(reqctx.HeaderRequestID, id)

		end, ok := c.Begin(id)
		if !ok {
			ae := apperr.ServiceUnavailable("server is shutting down").With("retryable", true)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Connection", "close")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(ae.HTTPStatus())
			_ = json.NewEncoder(w).Encode(&jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: ae.RPCError()})
			return
		}
		defer end()
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops admission, runs the stop hooks and waits for in-flight
// requests to finish, at most MaxDrain or until ctx ends. The drain window
// starts before the hooks run, so slow hooks consume it. When requests are
// still outstanding it logs their ids and returns ErrDrainTimeout.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	start := time.Now()
	deadline := time.NewTimer(c.maxDrain)
	defer deadline.Stop()
	c.log.InfoContext(ctx, "shutdown.begin", slog.Int("inflight", c.InFlight()), slog.Duration("max_drain", c.maxDrain))

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			c.log.ErrorContext(ctx, "shutdown.hook.fail", slog.String("hook", h.name), slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for c.InFlight() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			return errors.Join(append(errs, c.drainTimeout(ctx, start))...)
		case <-ctx.Done():
			return errors.Join(append(errs, c.drainTimeout(ctx, start), ctx.Err())...)
		}
	}
	c.log.InfoContext(ctx, "shutdown.drained", slog.Duration("dur", time.Since(start)))
	return errors.Join(errs...)
}

func (c *Coordinator) drainTimeout(ctx context.Context, start time.Time) error {
	outstanding := c.Outstanding()
	if len(outstanding) == 0 {
		return nil
	}
	c.log.WarnContext(ctx, "shutdown.drain.timeout",
		slog.Int("outstanding", len(outstanding)),
		slog.Any("request_ids", outstanding),
		slog.Duration("dur", time.Since(start)))
	return ErrDrainTimeout
}
