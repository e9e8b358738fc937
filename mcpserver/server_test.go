package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logtest"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/tools"
	"github.com/ggoodman/mcp-gateway-go/wellness"
)

type echoArgs struct {
	Text string `json:"text"`
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestServer(t *testing.T) (*Server, *wellness.Tracker, *fakeClock) {
	t.Helper()
	log, _ := logtest.NewLogger(t)
	clock := &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	tracker, err := wellness.NewTracker(wellness.DefaultThresholds(), 0, wellness.WithClock(clock.Now), wellness.WithLogger(log))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	echo := tools.NewTool("echo", func(ctx context.Context, s *sessions.Session, w tools.ResponseWriter, r *tools.Request[echoArgs]) error {
		return w.AppendText(r.Args().Text)
	})
	defs := append([]tools.Tool{echo}, tools.WellnessTools(tracker)...)
	srv := New(Config{
		ServerInfo: mcp.ImplementationInfo{Name: "test-gateway", Version: "1.2.3"},
		Tools:      tools.NewRegistry(defs, tools.WithLogger(log)),
		Tracker:    tracker,
		Logger:     log,
	})
	return srv, tracker, clock
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	return req
}

func handle(t *testing.T, srv *Server, ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	t.Helper()
	h := srv.NewHandler()
	defer h.Close()
	resp, err := h.Handle(ctx, req)
	if err != nil {
		t.Fatalf("handle %s: %v", req.Method, err)
	}
	return resp
}

func decodeResult[T any](t *testing.T, resp *jsonrpc.Response) T {
	t.Helper()
	var out T
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected result, got %+v", resp)
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestInitialize_Negotiation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	tests := []struct {
		requested string
		want      string
	}{
		{"2025-03-26", "2025-03-26"},
		{"2024-11-05", "2024-11-05"},
		{"1999-01-01", mcp.LatestProtocolVersion},
		{"", mcp.LatestProtocolVersion},
	}
	for _, tc := range tests {
		resp := handle(t, srv, context.Background(), request(t, 1, "initialize", mcp.InitializeRequest{
			ProtocolVersion: tc.requested,
			ClientInfo:      mcp.ImplementationInfo{Name: "cursor", Version: "1.0"},
		}))
		res := decodeResult[mcp.InitializeResult](t, resp)
		if res.ProtocolVersion != tc.want {
			t.Errorf("requested %q negotiated %q, want %q", tc.requested, res.ProtocolVersion, tc.want)
		}
		if res.Capabilities.Tools == nil || res.ServerInfo.Name != "test-gateway" || res.Instructions != DefaultInstructions {
			t.Errorf("result = %+v", res)
		}
	}
}

func TestPingAndUnknownMethod(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := handle(t, srv, context.Background(), request(t, "p", "ping", nil))
	if resp.Error != nil || string(resp.Result) != "{}" || resp.ID.String() != "p" {
		t.Fatalf("ping = %+v", resp)
	}

	resp = handle(t, srv, context.Background(), request(t, 2, "resources/list", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unknown method = %+v", resp)
	}
}

func TestNotificationsHaveNoResponse(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, m := range []string{"notifications/initialized", "notifications/cancelled", "notifications/whatever"} {
		if resp := handle(t, srv, context.Background(), request(t, nil, m, nil)); resp != nil {
			t.Fatalf("%s produced a response: %+v", m, resp)
		}
	}
}

func TestToolsListAndCall(t *testing.T) {
	srv, _, _ := newTestServer(t)
	list := decodeResult[mcp.ListToolsResult](t, handle(t, srv, context.Background(), request(t, 1, "tools/list", nil)))
	if len(list.Tools) != 4 {
		t.Fatalf("tools = %d, want 4", len(list.Tools))
	}

	resp := handle(t, srv, context.Background(), request(t, 2, "tools/list", map[string]string{"cursor": "garbage"}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("bad cursor = %+v", resp)
	}

	res := decodeResult[mcp.CallToolResult](t, handle(t, srv, context.Background(), request(t, 3, "tools/call", map[string]any{
		"name":      "echo",
		"arguments": map[string]string{"text": "hello"},
	})))
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hello" || res.Meta != nil {
		t.Fatalf("echo = %+v", res)
	}

	resp = handle(t, srv, context.Background(), request(t, 4, "tools/call", map[string]any{"name": "nope"}))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("unknown tool = %+v", resp)
	}

	resp = handle(t, srv, context.Background(), request(t, 5, "tools/call", nil))
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("missing params = %+v", resp)
	}
}

func TestToolCall_AttachesWellnessWhenDue(t *testing.T) {
	srv, tracker, clock := newTestServer(t)
	ctx := reqctx.With(context.Background(), &reqctx.RequestContext{RequestID: "r1", SessionID: "sess-1"})

	tracker.RecordActivity("sess-1", sessions.ClientInfo{Name: "cursor"}, "")
	for range 7 {
		clock.Advance(5 * time.Minute)
		tracker.RecordActivity("sess-1", sessions.ClientInfo{Name: "cursor"}, "")
	}

	echo := map[string]any{"name": "echo", "arguments": map[string]string{"text": "x"}}
	res := decodeResult[mcp.CallToolResult](t, handle(t, srv, ctx, request(t, 1, "tools/call", echo)))
	w, ok := res.Meta["wellness"].(map[string]any)
	if !ok || w["shouldTakeBreak"] != true || w["sessionId"] != "sess-1" {
		t.Fatalf("meta = %+v", res.Meta)
	}

	status := map[string]any{"name": wellness.StatusTool}
	res = decodeResult[mcp.CallToolResult](t, handle(t, srv, ctx, request(t, 2, "tools/call", status)))
	if _, ok := res.Meta["wellness"]; ok {
		t.Fatal("wellness tools must not be decorated")
	}

	tracker.RecordBreak("sess-1", 10)
	res = decodeResult[mcp.CallToolResult](t, handle(t, srv, ctx, request(t, 3, "tools/call", echo)))
	if res.Meta != nil {
		t.Fatalf("meta after break = %+v", res.Meta)
	}
}

func TestHandler_ClosedRejects(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.NewHandler()
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal("second Close errored")
	}
	if _, err := h.Handle(context.Background(), request(t, 1, "ping", nil)); !errors.Is(err, ErrHandlerClosed) {
		t.Fatalf("err = %v, want ErrHandlerClosed", err)
	}
}

func TestExemptFromForcedBreak(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params any
		want   bool
	}{
		{"initialize", "initialize", nil, true},
		{"ping", "ping", nil, true},
		{"list", "tools/list", nil, true},
		{"notification", "notifications/initialized", nil, true},
		{"record_break", "tools/call", map[string]string{"name": "record_break"}, true},
		{"status", "tools/call", map[string]string{"name": "wellness_status"}, true},
		{"hydration", "tools/call", map[string]string{"name": "record_hydration"}, true},
		{"api", "tools/call", map[string]string{"name": "api_request"}, false},
		{"garbled", "tools/call", "not an object", false},
		{"other", "resources/list", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExemptFromForcedBreak(request(t, 1, tc.method, tc.params)); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
	if ExemptFromForcedBreak(nil) {
		t.Fatal("nil request exempt")
	}
}
