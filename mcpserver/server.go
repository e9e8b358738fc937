package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-gateway-go/apperr"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/tools"
	"github.com/ggoodman/mcp-gateway-go/wellness"
)

// ErrHandlerClosed is returned by Handle after Close.
var ErrHandlerClosed = errors.New("mcpserver: handler closed")

// DefaultInstructions is returned from initialize when Config.Instructions
// is empty.
const DefaultInstructions = "This gateway forwards API calls through the api_request tool and tracks how long you have been working. " +
	"When a result carries _meta.wellness, suggest a break to the user. " +
	"If requests are rejected with ForcedBreakRequired, call record_break once the user has rested."

type Config struct {
	ServerInfo   mcp.ImplementationInfo
	Instructions string
	Tools        *tools.Registry
	// Tracker is optional. Without it no wellness reminders are attached.
	Tracker *wellness.Tracker
	Logger  *slog.Logger
}

// Server is safe for concurrent use.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *tools.Registry
	tracker      *wellness.Tracker
	log          *slog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		info:         cfg.ServerInfo,
		instructions: cfg.Instructions,
		tools:        cfg.Tools,
		tracker:      cfg.Tracker,
		log:          cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.tools == nil {
		s.tools = tools.NewRegistry(nil)
	}
	if s.instructions == "" {
		s.instructions = DefaultInstructions
	}
	if s.info.Name == "" {
		s.info.Name = "mcp-gateway"
	}
	return s
}

// Tools returns the registry the server dispatches to.
func (s *Server) Tools() *tools.Registry { return s.tools }

// NewHandler returns a handler for a single inbound message.
func (s *Server) NewHandler() *Handler {
	return &Handler{srv: s}
}

// Handler dispatches one JSON-RPC message.
type Handler struct {
	srv    *Server
	closed atomic.Bool
}

// Close is idempotent.
func (h *Handler) Close() error {
	h.closed.Store(true)
	return nil
}

// Handle dispatches req and returns the response to send. Notifications
// yield a nil response. Protocol-level failures are returned as JSON-RPC
// error responses, not as errors; a non-nil error means no response could
// be produced.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if h.closed.Load() {
		return nil, ErrHandlerClosed
	}
	if req == nil {
		return nil, apperr.InvalidRequest("missing request")
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: messageType(req)})
	start := time.Now()
	log := h.srv.log.With(slog.String("method", req.Method))

	if req.IsNotification() {
		log.DebugContext(ctx, "mcpserver.notification", slog.Bool("known", mcp.Method(req.Method).IsNotification()))
		return nil, nil
	}

	result, err := h.dispatch(ctx, req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		ae := apperr.From(err)
		if ae.Kind == apperr.KindInternal {
			log.ErrorContext(ctx, "mcpserver.handle_request.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		} else {
			log.InfoContext(ctx, "mcpserver.handle_request.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		}
		rpcErr := ae.RPCError()
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data), nil
	}

	log.InfoContext(ctx, "mcpserver.handle_request.ok", slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (h *Handler) dispatch(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return h.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return &mcp.EmptyResult{}, nil
	case mcp.ToolsListMethod:
		return h.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return h.handleToolCall(ctx, req)
	}
	return nil, apperr.MethodNotFound(req.Method)
}

func (h *Handler) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*mcp.InitializeResult, error) {
	var params mcp.InitializeRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)

	h.srv.log.InfoContext(ctx, "mcpserver.initialize",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", version))

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: false},
		},
		ServerInfo:   h.srv.info,
		Instructions: h.srv.instructions,
	}, nil
}

func (h *Handler) handleToolsList(_ context.Context, req *jsonrpc.Request) (*mcp.ListToolsResult, error) {
	var params mcp.ListToolsRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return h.srv.tools.List(params.Cursor)
}

func (h *Handler) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*mcp.CallToolResult, error) {
	var params mcp.CallToolRequestReceived
	if len(req.Params) == 0 {
		return nil, apperr.Validation("invalid params: missing tool name")
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	res, err := h.srv.tools.Call(ctx, &params)
	if err != nil {
		return nil, err
	}
	h.attachWellness(ctx, params.Name, res)
	return res, nil
}

// attachWellness adds the session's break status to res when a reminder is
// due. The wellness tools report status themselves and are left alone.
func (h *Handler) attachWellness(ctx context.Context, tool string, res *mcp.CallToolResult) {
	if h.srv.tracker == nil || isWellnessTool(tool) {
		return
	}
	id := reqctx.SessionID(ctx)
	if id == "" {
		return
	}
	st := h.srv.tracker.GetBreakStatus(id)
	if !st.ShouldTakeBreak && !st.ShouldDrinkWater {
		return
	}
	if res.Meta == nil {
		res.Meta = make(map[string]any, 1)
	}
	res.Meta["wellness"] = st
}

// ExemptFromForcedBreak reports whether req may proceed while its session is
// force-blocked: the handshake, ping, tool discovery, notifications and the
// wellness tools themselves.
func ExemptFromForcedBreak(req *jsonrpc.Request) bool {
	if req == nil {
		return false
	}
	m := mcp.Method(req.Method)
	switch {
	case m == mcp.InitializeMethod, m == mcp.PingMethod, m == mcp.ToolsListMethod:
		return true
	case m.IsNotification():
		return true
	case m == mcp.ToolsCallMethod:
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return false
		}
		return isWellnessTool(params.Name)
	}
	return false
}

func isWellnessTool(name string) bool {
	switch name {
	case wellness.RecordBreakTool, wellness.StatusTool, wellness.RecordHydrationTool:
		return true
	}
	return false
}

func decodeParams(req *jsonrpc.Request, dst any) error {
	if len(req.Params) == 0 || strings.TrimSpace(string(req.Params)) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid params", err)
	}
	return nil
}

func messageType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}
