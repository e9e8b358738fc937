package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/sessions"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("svc", "gw")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", CorrelationID: "client-7", Method: "POST", Path: "/mcp"})
	ctx = reqctx.With(ctx, &reqctx.RequestContext{
		RequestID: "r1",
		SessionID: "sess_1",
		Client:    &sessions.ClientInfo{Name: "cursor"},
		Workspace: &reqctx.Workspace{Path: "/w"},
	})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "api_request"})

	log.InfoContext(ctx, "tool.call")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if rec["svc"] != "gw" {
		t.Fatalf("With attrs lost: %v", rec)
	}
	req, _ := rec["req"].(map[string]any)
	sess, _ := rec["sess"].(map[string]any)
	rpc, _ := rec["rpc"].(map[string]any)
	tool, _ := rec["tool"].(map[string]any)
	if req["id"] != "r1" || req["correlation_id"] != "client-7" || sess["id"] != "sess_1" || sess["workspace"] != "/w" || rpc["method"] != "tools/call" || tool["name"] != "api_request" {
		t.Fatalf("record = %v", rec)
	}
}

func TestHandler_NoContext(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"req", "sess", "rpc", "tool"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("unexpected group %q", k)
		}
	}
}
