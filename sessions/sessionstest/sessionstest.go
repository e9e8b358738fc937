// Package sessionstest holds the conformance suite every sessions.Store
// implementation runs in its own tests.
package sessionstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
)

// StoreFactory creates an empty Store for one subtest.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("LoadUnknown", func(t *testing.T) { testLoadUnknown(t, factory) })
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, factory) })
	t.Run("LoadReturnsCopy", func(t *testing.T) { testLoadReturnsCopy(t, factory) })
	t.Run("DeleteAndCount", func(t *testing.T) { testDeleteAndCount(t, factory) })
	t.Run("Manager_ResolveCreatesThenUpdates", func(t *testing.T) { testResolve(t, factory) })
	t.Run("Manager_DataAndCache", func(t *testing.T) { testDataAndCache(t, factory) })
	t.Run("Manager_ConcurrentResolve", func(t *testing.T) { testConcurrentResolve(t, factory) })
}

func testLoadUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Load(unknown) err = %v, want ErrSessionNotFound", err)
	}
}

func testSaveAndLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	in := &sessions.Session{
		ID:            "sess_a",
		CreatedAt:     now,
		LastSeenAt:    now,
		WorkspacePath: "/work/a",
		Client:        sessions.ClientInfo{Name: "cursor", Version: "1.2", Confidence: 1},
		RequestCount:  3,
		Data:          map[string]any{"k": "v"},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.Load(ctx, "sess_a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.WorkspacePath != in.WorkspacePath || out.RequestCount != 3 || out.Client.Name != "cursor" {
		t.Fatalf("loaded %+v, want %+v", out, in)
	}
	if !out.CreatedAt.Equal(now) {
		t.Fatalf("createdAt = %v, want %v", out.CreatedAt, now)
	}
	if out.Data["k"] != "v" {
		t.Fatalf("data = %v", out.Data)
	}
}

func testLoadReturnsCopy(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	in := &sessions.Session{ID: "sess_copy", Data: map[string]any{"k": "v"}}
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	in.Data["k"] = "mutated"

	out, _ := s.Load(ctx, "sess_copy")
	if out.Data["k"] != "v" {
		t.Fatal("store retained caller's session")
	}
	out.Data["k"] = "again"
	again, _ := s.Load(ctx, "sess_copy")
	if again.Data["k"] != "v" {
		t.Fatal("Load handed out shared state")
	}
}

func testDeleteAndCount(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, &sessions.Session{ID: fmt.Sprintf("sess_%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := s.Count(ctx); err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}
	if err := s.Delete(ctx, "sess_1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "sess_unknown"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("count after delete = %d, want 2", n)
	}
	if _, err := s.Load(ctx, "sess_1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("deleted session still loadable: %v", err)
	}
}

func testResolve(t *testing.T, factory StoreFactory) {
	m := sessions.NewManager(factory(t))
	ctx := context.Background()

	first, err := m.Resolve(ctx, "sess_r", sessions.ClientInfo{Name: "unknown"}, "/w")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.RequestCount != 1 || first.CreatedAt.IsZero() {
		t.Fatalf("first resolve = %+v", first)
	}
	second, err := m.Resolve(ctx, "sess_r", sessions.ClientInfo{Name: "claude-code", Confidence: 0.8}, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.RequestCount != 2 {
		t.Fatalf("requestCount = %d, want 2", second.RequestCount)
	}
	if second.WorkspacePath != "/w" {
		t.Fatalf("empty workspace overwrote path: %q", second.WorkspacePath)
	}
	if second.Client.Name != "claude-code" {
		t.Fatalf("higher-confidence client not adopted: %+v", second.Client)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("createdAt changed across requests")
	}
}

func testDataAndCache(t *testing.T, factory StoreFactory) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	m := sessions.NewManager(factory(t), sessions.WithClock(clock))
	ctx := context.Background()

	if err := m.SetData(ctx, "missing", "k", 1); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("SetData on unknown session err = %v", err)
	}
	if _, err := m.Resolve(ctx, "sess_d", sessions.ClientInfo{}, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetData(ctx, "sess_d", "last_tool", "api_request"); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := m.GetData(ctx, "sess_d", "last_tool"); err != nil || !ok || v != "api_request" {
		t.Fatalf("GetData = %v, %v, %v", v, ok, err)
	}

	if err := m.SetCache(ctx, "sess_d", "/a", "GET /x", "cached", time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := m.GetCache(ctx, "sess_d", "/a", "GET /x"); !ok || v != "cached" {
		t.Fatalf("GetCache = %v, %v", v, ok)
	}
	if _, ok, _ := m.GetCache(ctx, "sess_d", "/b", "GET /x"); ok {
		t.Fatal("cache leaked across workspaces")
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, ok, _ := m.GetCache(ctx, "sess_d", "/a", "GET /x"); ok {
		t.Fatal("expired cache entry returned")
	}
}

func testConcurrentResolve(t *testing.T, factory StoreFactory) {
	m := sessions.NewManager(factory(t))
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Resolve(ctx, "sess_c", sessions.ClientInfo{}, ""); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	s, err := m.Get(ctx, "sess_c")
	if err != nil {
		t.Fatal(err)
	}
	if s.RequestCount != n {
		t.Fatalf("requestCount = %d, want %d", s.RequestCount, n)
	}
}
