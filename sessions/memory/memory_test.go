package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sessions/sessionstest"
)

func TestStore(t *testing.T) {
	sessionstest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		return New(100, time.Hour)
	})
}

func TestStore_BoundedByCapacity(t *testing.T) {
	s := New(2, time.Hour)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Save(ctx, &sessions.Session{ID: id})
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if _, err := s.Load(ctx, "a"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatal("least recently used session not evicted")
	}
}

func TestStore_IdleTTL(t *testing.T) {
	s := New(10, 20*time.Millisecond)
	ctx := context.Background()
	_ = s.Save(ctx, &sessions.Session{ID: "idle"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.Load(ctx, "idle"); errors.Is(err, sessions.ErrSessionNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("idle session never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
