// Package sessions tracks per-client gateway sessions.
//
// A session is keyed by an id derived from the client's identity and
// workspace (or supplied explicitly by the client) and carries the request
// counters and scratch state tools may read between calls. Sessions are
// persisted through a Store; memory and redis implementations live in the
// sub-packages of the same names.
package sessions

import (
	"context"
	"errors"
	"maps"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// ClientInfo identifies the calling editor or agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	// Confidence is 1.0 for an explicit client header, lower for a
	// User-Agent match, and 0 when unknown.
	Confidence float64 `json:"confidence"`
}

// CacheEntry is a value cached on a session until ExpiresAt.
type CacheEntry struct {
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is stale at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type Session struct {
	ID            string                `json:"id"`
	CreatedAt     time.Time             `json:"createdAt"`
	LastSeenAt    time.Time             `json:"lastSeenAt"`
	WorkspacePath string                `json:"workspacePath,omitempty"`
	Client        ClientInfo            `json:"client"`
	RequestCount  int64                 `json:"requestCount"`
	Data          map[string]any        `json:"data,omitempty"`
	Cache         map[string]CacheEntry `json:"cache,omitempty"`
}

// Clone returns a copy whose maps may be mutated independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = maps.Clone(s.Data)
	cp.Cache = maps.Clone(s.Cache)
	return &cp
}

// CacheKey qualifies key by workspace so one session serving several
// workspaces never mixes cached values.
func CacheKey(workspace, key string) string {
	return workspace + "::" + key
}

// Store persists sessions. Implementations must return ErrSessionNotFound
// from Load for unknown or expired ids and must not retain the *Session
// passed to Save.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}
