package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway-go/apperr"
)

// DefaultTimeout bounds one request/response exchange.
const DefaultTimeout = 30 * time.Second

// Handler is the per-request protocol handler. Close releases anything the
// handler acquired and is called exactly once.
type Handler interface {
	Close() error
}

// ExecFunc performs the exchange: it reads the request, drives the handler
// and writes the response through the Transport. ctx is cancelled by
// cleanup.
type ExecFunc[H Handler] func(ctx context.Context, h H, t *Transport) error

// Stats are cumulative lifecycle counters.
type Stats struct {
	Active          int64 `json:"active"`
	Served          int64 `json:"served"`
	Timeouts        int64 `json:"timeouts"`
	ClientCloses    int64 `json:"clientCloses"`
	TransportErrors int64 `json:"transportErrors"`
	Panics          int64 `json:"panics"`
	Cleanups        int64 `json:"cleanups"`
}

// Manager creates and tears down one handler per request.
type Manager[H Handler] struct {
	newHandler func() H
	timeout    time.Duration
	log        *slog.Logger

	active          atomic.Int64
	served          atomic.Int64
	timeouts        atomic.Int64
	clientCloses    atomic.Int64
	transportErrors atomic.Int64
	panics          atomic.Int64
	cleanups        atomic.Int64
}

type Option func(*managerConfig)

type managerConfig struct {
	timeout time.Duration
	log     *slog.Logger
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *managerConfig) { c.timeout = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *managerConfig) { c.log = log }
}

func NewManager[H Handler](newHandler func() H, opts ...Option) *Manager[H] {
	cfg := managerConfig{timeout: DefaultTimeout, log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultTimeout
	}
	return &Manager[H]{newHandler: newHandler, timeout: cfg.timeout, log: cfg.log}
}

// Timeout returns the configured per-request timeout.
func (m *Manager[H]) Timeout() time.Duration { return m.timeout }

func (m *Manager[H]) Stats() Stats {
	return Stats{
		Active:          m.active.Load(),
		Served:          m.served.Load(),
		Timeouts:        m.timeouts.Load(),
		ClientCloses:    m.clientCloses.Load(),
		TransportErrors: m.transportErrors.Load(),
		Panics:          m.panics.Load(),
		Cleanups:        m.cleanups.Load(),
	}
}

// Serve runs exec against a fresh handler and transport for r. It returns
// when exec finishes, the client goes away, a write fails, or the timeout
// fires. On timeout it does not wait for exec; exec's later writes fail with
// ErrTransportClosed.
func (m *Manager[H]) Serve(w http.ResponseWriter, r *http.Request, exec ExecFunc[H]) error {
	start := time.Now()
	m.active.Add(1)
	m.served.Add(1)

	h := m.newHandler()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	var (
		once       sync.Once
		writeErr   = make(chan error, 1)
		transport  *Transport
		cleanupErr error
		timer      = time.NewTimer(m.timeout)
	)
	cleanup := func(reason string) {
		once.Do(func() {
			timer.Stop()
			transport.close()
			if err := h.Close(); err != nil {
				cleanupErr = err
				m.log.WarnContext(ctx, "transport.handler.close.fail", slog.String("err", err.Error()))
			}
			cancel()
			m.active.Add(-1)
			m.cleanups.Add(1)
			m.log.DebugContext(ctx, "transport.cleanup", slog.String("reason", reason), slog.Duration("dur", time.Since(start)))
		})
	}
	transport = newTransport(w, func(err error) {
		select {
		case writeErr <- err:
		default:
		}
	})

	stopWatch := context.AfterFunc(r.Context(), func() {
		m.clientCloses.Add(1)
		cleanup("client_closed")
	})
	defer stopWatch()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				m.panics.Add(1)
				m.log.ErrorContext(ctx, "transport.exec.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
				done <- fmt.Errorf("transport: handler panic: %v", rec)
			}
		}()
		done <- exec(ctx, h, transport)
	}()

	select {
	case err := <-done:
		if err != nil && !transport.Sent() && !transport.Closed() {
			ae := apperr.From(err)
			if ae.Kind == apperr.KindInternal {
				m.log.ErrorContext(ctx, "transport.exec.fail", slog.String("err", err.Error()))
			}
			_ = transport.WriteRPCError(ae.HTTPStatus(), transport.boundID(), ae.RPCError())
		}
		cleanup("finished")
		return errors.Join(err, cleanupErr)

	case err := <-writeErr:
		m.transportErrors.Add(1)
		m.log.WarnContext(ctx, "transport.write.fail", slog.String("err", err.Error()))
		cleanup("transport_error")
		return err

	case <-timer.C:
		m.timeouts.Add(1)
		ae := apperr.Timeout(fmt.Sprintf("request timed out after %s", m.timeout)).
			With("timeoutMs", m.timeout.Milliseconds())
		wrote, _ := transport.writeIfUnsent(ae.HTTPStatus(), NewErrorBody(transport.boundID(), ae))
		m.log.WarnContext(ctx, "transport.timeout", slog.Duration("timeout", m.timeout), slog.Bool("responded", wrote))
		cleanup("timeout")
		return ae

	case <-ctx.Done():
		cleanup("client_closed")
		return ctx.Err()
	}
}
