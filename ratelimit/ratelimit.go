// Package ratelimit implements per-identifier fixed-window admission control.
//
// Each identifier (typically the client IP) owns one window. The first
// request for an identifier, or the first request after its window has
// elapsed, resets the counter to one and opens a new window ending at
// now+window. Within a window requests are admitted while the counter is
// below the limit. Expired windows are removed by a periodic sweep so memory
// stays bounded by the number of recently seen identifiers.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests admitted per window.
	DefaultLimit = 100
	// DefaultWindow is the window length.
	DefaultWindow = time.Minute
)

type window struct {
	count   int
	resetAt time.Time
}

// Decision describes the outcome of a Check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Window     time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as used by the
// Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Limiter is safe for concurrent use.
type Limiter struct {
	limit         int
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *slog.Logger

	mu      sync.Mutex
	windows map[string]*window

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often Start sweeps expired windows. Defaults to
// the window length.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New returns a Limiter admitting limit requests per window of length win.
// Non-positive values fall back to DefaultLimit and DefaultWindow.
func New(limit int, win time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if win <= 0 {
		win = DefaultWindow
	}
	l := &Limiter{
		limit:   limit,
		window:  win,
		now:     time.Now,
		log:     slog.Default(),
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sweepInterval <= 0 {
		l.sweepInterval = l.window
	}
	return l
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check records a request for id and reports whether it is admitted.
func (l *Limiter) Check(id string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(l.window)}
		l.windows[id] = w
		return l.decision(w, now, true)
	}
	if w.count < l.limit {
		w.count++
		return l.decision(w, now, true)
	}
	return l.decision(w, now, false)
}

// Allow is Check reduced to its verdict.
func (l *Limiter) Allow(id string) bool {
	return l.Check(id).Allowed
}

func (l *Limiter) decision(w *window, now time.Time, allowed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: max(l.limit-w.count, 0),
		ResetAt:   w.resetAt,
		Window:    l.window,
	}
	if !allowed {
		d.RetryAfter = w.resetAt.Sub(now)
	}
	return d
}

// Remaining reports how many requests id may still make in its current
// window without recording one.
func (l *Limiter) Remaining(id string) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[id]
	if !ok || !now.Before(w.resetAt) {
		return l.limit
	}
	return max(l.limit-w.count, 0)
}

// ResetTime reports when id's current window ends. If id has no live
// window, a fresh one would end at now+window.
func (l *Limiter) ResetTime(id string) time.Time {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[id]
	if !ok || !now.Before(w.resetAt) {
		return now.Add(l.window)
	}
	return w.resetAt
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep removes expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every sweep interval until Stop is called. Calling Start
// on a running limiter is a no-op.
func (l *Limiter) Start(ctx context.Context) error {
	if l == nil {
		return errors.New("ratelimit: limiter is nil")
	}
	l.loopMu.Lock()
	if l.cancel != nil {
		l.loopMu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.loopMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.log.DebugContext(loopCtx, "ratelimit.sweep", slog.Int("removed", n), slog.Int("tracked", l.Len()))
				}
			}
		}
	}()
	return nil
}

// Stop terminates the sweeper started by Start and waits for it to exit or
// for ctx to end.
func (l *Limiter) Stop(ctx context.Context) error {
	l.loopMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
