package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/config"
	"github.com/ggoodman/mcp-gateway-go/internal/logtest"
	"github.com/ggoodman/mcp-gateway-go/tools"
	"github.com/ggoodman/mcp-gateway-go/wellness"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func testConfig(upstreamURL string) *config.Config {
	th := wellness.DefaultThresholds()
	return &config.Config{
		Env:           "test",
		ListenAddr:    ":0",
		Endpoint:      "/mcp",
		LogLevel:      "debug",
		ServerName:    "gateway-e2e",
		ServerVersion: "0.0.1",
		RateLimit:     config.RateLimit{Max: 100, Window: time.Minute},
		Upstream: config.Upstream{
			BaseURL:      upstreamURL,
			APIKey:       "k-123",
			APIKeyHeader: "X-API-Key",
			Timeout:      time.Second,
			Retries:      0,
			BaseDelay:    10 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
		},
		Auth: config.Auth{Mode: config.AuthModeNone, Realm: "mcp"},
		Wellness: config.Wellness{
			FreshPeriod:      th.FreshPeriod,
			BreakAfter:       th.BreakAfter,
			LongBreakAfter:   th.LongBreakAfter,
			ForcedBreakAfter: th.ForcedBreakAfter,
			WaterInterval:    th.WaterInterval,
			IdleReset:        th.IdleReset,
			MaxSessions:      100,
			Schedule:         wellness.DefaultSchedule,
		},
		Sessions: config.Sessions{Backend: config.SessionsMemory, MaxSessions: 100, IdleTTL: time.Hour},
		Transport: config.Transport{
			Timeout:           10 * time.Second,
			HeartbeatInterval: 50 * time.Millisecond,
			MaxBodyBytes:      1 << 20,
			ShutdownMaxDrain:  time.Second,
		},
	}
}

func TestGateway_EndToEnd(t *testing.T) {
	ctx := t.Context()
	log, _ := logtest.NewLogger(t)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path})
	}))
	defer api.Close()

	cfg := testConfig(api.URL)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}
	if err := gw.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.coordinator.Shutdown(sctx)
	}()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cs.Close()

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tl := range lt.Tools {
		names = append(names, tl.Name)
	}
	for _, want := range []string{wellness.StatusTool, wellness.RecordBreakTool, wellness.RecordHydrationTool, tools.APIRequestTool} {
		if !slices.Contains(names, want) {
			t.Fatalf("tool %q missing from %v", want, names)
		}
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: wellness.StatusTool})
	if err != nil {
		t.Fatalf("CallTool status: %v", err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("unexpected status result: %+v", res)
	}

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      tools.APIRequestTool,
		Arguments: map[string]any{"path": "/widgets"},
	})
	if err != nil {
		t.Fatalf("CallTool api_request: %v", err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("unexpected api result: %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || !json.Valid([]byte(text.Text)) {
		t.Fatalf("api result content = %#v", res.Content[0])
	}
}

func TestGateway_DrainingRejects(t *testing.T) {
	ctx := t.Context()
	log, _ := logtest.NewLogger(t)

	gw, err := newGateway(ctx, testConfig(""), log)
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}
	if err := gw.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := gw.coordinator.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestNewGateway_RejectsRemoteWithoutURL(t *testing.T) {
	log, _ := logtest.NewLogger(t)
	cfg := testConfig("")
	cfg.Auth = config.Auth{Mode: config.AuthModeRemote}
	if _, err := newGateway(t.Context(), cfg, log); err == nil {
		t.Fatal("expected error for remote auth without verify URL")
	}
}
