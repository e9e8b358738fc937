// Package redis provides a sessions.Store backed by Redis so several gateway
// replicas can share session state. Each session is one JSON value whose TTL
// is refreshed on every Save.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp-gateway:sessions:"`
	// IdleTTL expires sessions without requests. ENV: SESSIONS_IDLE_TTL
	IdleTTL time.Duration `env:"SESSIONS_IDLE_TTL,default=24h"`

	// Client overrides Addr when set.
	Client *redis.Client
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Store, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		cl = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp-gateway:sessions:"
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) Load(ctx context.Context, id string) (*sessions.Session, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sessions.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var sess sessions.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) Save(ctx context.Context, sess *sessions.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	it := s.client.Scan(ctx, 0, s.keyPrefix+"*", 256).Iterator()
	for it.Next(ctx) {
		n++
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}
