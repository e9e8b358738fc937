// Package memory provides an in-process sessions.Store bounded by an LRU with
// an idle TTL, built on github.com/hashicorp/golang-lru/v2/expirable.
package memory

import (
	"context"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMaxSessions = 10000
	DefaultIdleTTL     = 24 * time.Hour
)

// Store is safe for concurrent use. Every Save refreshes the entry's TTL, so
// a session expires after IdleTTL without requests.
type Store struct {
	cache *expirable.LRU[string, *sessions.Session]
}

// New returns a Store holding at most maxSessions sessions, each evicted
// after idleTTL without a Save. Non-positive arguments use the defaults.
func New(maxSessions int, idleTTL time.Duration) *Store {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Store{cache: expirable.NewLRU[string, *sessions.Session](maxSessions, nil, idleTTL)}
}

func (s *Store) Load(_ context.Context, id string) (*sessions.Session, error) {
	sess, ok := s.cache.Get(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) Save(_ context.Context, sess *sessions.Session) error {
	s.cache.Add(sess.ID, sess.Clone())
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.cache.Remove(id)
	return nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	return s.cache.Len(), nil
}
