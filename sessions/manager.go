package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager layers read-modify-write operations over a Store. Updates made
// through a single Manager are serialized; across replicas sharing a redis
// store the last writer wins.
type Manager struct {
	store Store
	now   func() time.Time
	log   *slog.Logger

	mu sync.Mutex
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve returns the session for id, creating it on first sight, and
// records one request against it.
func (m *Manager) Resolve(ctx context.Context, id string, client ClientInfo, workspace string) (*Session, error) {
	if id == "" {
		return nil, errors.New("sessions: empty session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, err := m.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		s = &Session{ID: id, CreatedAt: now, WorkspacePath: workspace, Client: client}
		m.log.DebugContext(ctx, "session.create", slog.String("session_id", id), slog.String("client", client.Name))
	case err != nil:
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	s.LastSeenAt = now
	s.RequestCount++
	if workspace != "" {
		s.WorkspacePath = workspace
	}
	if client.Confidence >= s.Client.Confidence {
		s.Client = client
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("saving session %s: %w", id, err)
	}
	return s.Clone(), nil
}

// Get returns the session for id or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Load(ctx, id)
}

// Delete removes the session for id. Deleting an unknown id is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Count returns the number of live sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// SetData stores value under key in the session's scratch data.
func (m *Manager) SetData(ctx context.Context, id, key string, value any) error {
	return m.update(ctx, id, func(s *Session) {
		if s.Data == nil {
			s.Data = make(map[string]any)
		}
		s.Data[key] = value
	})
}

// GetData reads key from the session's scratch data.
func (m *Manager) GetData(ctx context.Context, id, key string) (any, bool, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.Data[key]
	return v, ok, nil
}

// SetCache caches value for ttl under the workspace-qualified key.
func (m *Manager) SetCache(ctx context.Context, id, workspace, key string, value any, ttl time.Duration) error {
	expires := time.Time{}
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	return m.update(ctx, id, func(s *Session) {
		if s.Cache == nil {
			s.Cache = make(map[string]CacheEntry)
		}
		now := m.now()
		for k, e := range s.Cache {
			if e.Expired(now) {
				delete(s.Cache, k)
			}
		}
		s.Cache[CacheKey(workspace, key)] = CacheEntry{Value: value, ExpiresAt: expires}
	})
}

// GetCache returns a live cached value for the workspace-qualified key.
func (m *Manager) GetCache(ctx context.Context, id, workspace, key string) (any, bool, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	e, ok := s.Cache[CacheKey(workspace, key)]
	if !ok || e.Expired(m.now()) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (m *Manager) update(ctx context.Context, id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	fn(s)
	return m.store.Save(ctx, s)
}
