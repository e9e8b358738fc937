package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/apperr"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/wellknown"
	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/mcpserver"
	"github.com/ggoodman/mcp-gateway-go/ratelimit"
	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/shutdown"
	"github.com/ggoodman/mcp-gateway-go/transport"
	"github.com/ggoodman/mcp-gateway-go/wellness"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"

	// DefaultMaxBodyBytes bounds a single POSTed JSON-RPC message.
	DefaultMaxBodyBytes = 4 << 20
	// DefaultHeartbeatInterval spaces the comment frames on GET streams.
	DefaultHeartbeatInterval = 15 * time.Second
)

// Config carries the collaborators of the gateway endpoint. Server,
// Sessions, Tracker, Limiter and Verifier are required.
type Config struct {
	// Endpoint is the path the MCP endpoint is mounted at, e.g. "/mcp".
	Endpoint string
	Server   *mcpserver.Server
	Sessions *sessions.Manager
	Tracker  *wellness.Tracker
	Limiter  *ratelimit.Limiter
	Verifier auth.Verifier
	// Challenge shapes WWW-Authenticate headers and the tokenURL hint.
	Challenge auth.Challenge
	// Shutdown is optional; without it requests are not drain-tracked.
	Shutdown *shutdown.Coordinator
	// Timeout bounds every exchange, GET streams included.
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64
	// ProtectedResource, when set, publishes OAuth protected resource
	// metadata and advertises it in every challenge.
	ProtectedResource *ProtectedResource
}

// ProtectedResource describes the endpoint to OAuth clients.
type ProtectedResource struct {
	// Resource is the absolute URL of the MCP endpoint.
	Resource             string
	AuthorizationServers []string
	ScopesSupported      []string
	JWKSURI              string
	ResourceName         string
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default().
// Wrap its handler in logctx.Handler to get the per-request groups.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithClock overrides the time source used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *newConfig) { c.now = now }
}

// StreamingHTTPHandler serves the gateway's single MCP endpoint plus its
// diagnostics and health routes.
type StreamingHTTPHandler struct {
	mux  *http.ServeMux
	root http.Handler
	log  *slog.Logger
	now  func() time.Time

	endpoint     string
	server       *mcpserver.Server
	sessions     *sessions.Manager
	tracker      *wellness.Tracker
	limiter      *ratelimit.Limiter
	verifier     auth.Verifier
	challenge    auth.Challenge
	shutdown     *shutdown.Coordinator
	transports   *transport.Manager[*mcpserver.Handler]
	heartbeat    time.Duration
	maxBodyBytes int64
	prm          *wellknown.ProtectedResourceMetadata
}

// New validates cfg and builds the handler.
func New(cfg Config, opts ...Option) (*StreamingHTTPHandler, error) {
	switch {
	case cfg.Server == nil:
		return nil, fmt.Errorf("server is required")
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("session manager is required")
	case cfg.Tracker == nil:
		return nil, fmt.Errorf("wellness tracker is required")
	case cfg.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("verifier is required")
	}

	endpoint := "/" + strings.Trim(cfg.Endpoint, "/")
	if endpoint == "/" {
		return nil, fmt.Errorf("endpoint path must not be the root")
	}

	nc := &newConfig{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(nc)
	}

	log := nc.logger

	h := &StreamingHTTPHandler{
		log:          log,
		now:          nc.now,
		endpoint:     endpoint,
		server:       cfg.Server,
		sessions:     cfg.Sessions,
		tracker:      cfg.Tracker,
		limiter:      cfg.Limiter,
		verifier:     cfg.Verifier,
		challenge:    cfg.Challenge,
		shutdown:     cfg.Shutdown,
		heartbeat:    cfg.HeartbeatInterval,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = DefaultHeartbeatInterval
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = DefaultMaxBodyBytes
	}
	h.transports = transport.NewManager(cfg.Server.NewHandler, transport.WithTimeout(cfg.Timeout), transport.WithLogger(log))

	mux := http.NewServeMux()
	if pr := cfg.ProtectedResource; pr != nil {
		resURL, err := url.Parse(pr.Resource)
		if err != nil || !resURL.IsAbs() || resURL.Host == "" {
			return nil, fmt.Errorf("protected resource must be an absolute URL, got %q", pr.Resource)
		}
		h.prm = &wellknown.ProtectedResourceMetadata{
			Resource:               resURL.String(),
			AuthorizationServers:   pr.AuthorizationServers,
			JwksURI:                pr.JWKSURI,
			ScopesSupported:        pr.ScopesSupported,
			BearerMethodsSupported: []string{"header"},
			ResourceName:           pr.ResourceName,
		}
		metaURL := wellknown.MetadataURL(resURL)
		if h.challenge.ResourceMetadata == "" {
			h.challenge.ResourceMetadata = metaURL.String()
		}
		mux.HandleFunc(fmt.Sprintf("GET %s", metaURL.Path), h.handleProtectedResource)
	}
	mux.Handle(fmt.Sprintf("POST %s", endpoint), h.rateLimited(http.HandlerFunc(h.handlePostMCP)))
	mux.Handle(fmt.Sprintf("GET %s", endpoint), h.rateLimited(http.HandlerFunc(h.handleGetMCP)))
	mux.Handle(fmt.Sprintf("DELETE %s", endpoint), h.rateLimited(http.HandlerFunc(h.handleDeleteMCP)))
	mux.Handle(fmt.Sprintf("GET %s/activity/status", endpoint), h.rateLimited(h.authenticated(http.HandlerFunc(h.handleActivityStatus))))
	mux.Handle(fmt.Sprintf("GET %s/activity/stats", endpoint), h.rateLimited(h.authenticated(http.HandlerFunc(h.handleActivityStats))))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux = mux

	h.root = http.HandlerFunc(h.serve)
	if h.shutdown != nil {
		h.root = h.shutdown.Middleware(h.root)
	}
	return h, nil
}

// TransportStats exposes the lifecycle counters of the per-request manager.
func (h *StreamingHTTPHandler) TransportStats() transport.Stats {
	return h.transports.Stats()
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *StreamingHTTPHandler) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := reqctx.RequestID(ctx)
	if id == "" {
		id = reqctx.NewRequestID()
		ctx = reqctx.WithRequestID(ctx, id)
		w.Header().Set(reqctx.HeaderRequestID, id)
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:     id,
		CorrelationID: r.Header.Get(reqctx.HeaderRequestID),
		Method:        r.Method,
		UserAgent:     r.UserAgent(),
		RemoteAddr:    r.RemoteAddr,
		Path:          r.URL.Path,
	})))
}

// rateLimited admits at most the limiter's budget per client IP and stamps
// every response with the X-RateLimit-* headers.
func (h *StreamingHTTPHandler) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := reqctx.ClientIP(r)
		d := h.limiter.Check(ip)

		hdr := w.Header()
		hdr.Set(headerRateLimitLimit, strconv.Itoa(d.Limit))
		hdr.Set(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
		hdr.Set(headerRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := d.RetryAfterSeconds()
			hdr.Set(headerRetryAfter, strconv.Itoa(retry))
			ae := apperr.RateLimited(fmt.Sprintf("rate limit exceeded, retry in %d seconds", retry)).
				With("retryAfterSeconds", retry).
				With("limit", d.Limit).
				With("windowSeconds", int(d.Window.Seconds()))
			h.log.WarnContext(r.Context(), "ratelimit.reject", slog.String("ip", ip), slog.Int("retry_after_s", retry))
			writeRPCError(w, nil, ae)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticated rejects requests whose credential the verifier refuses,
// with the same challenge the MCP endpoint uses.
func (h *StreamingHTTPHandler) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := reqctx.ExtractToken(r.Header)
		user, err := h.verifier.Verify(ctx, token)
		if err != nil {
			h.writeAuthError(ctx, w, nil, token, err)
			return
		}
		h.log.DebugContext(ctx, "auth.ok", slog.String("user_id", user.UserID()))
		next.ServeHTTP(w, r)
	})
}

func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCErrorStatus(w, http.StatusUnsupportedMediaType, nil, apperr.New(apperr.KindValidation, "content-type must be application/json"))
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	req, ok := h.decodeRequest(ctx, w, r)
	if !ok {
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: rpcType(req)})

	rc := reqctx.New(r, h.now())
	ctx = reqctx.With(ctx, rc)

	sess, err := h.sessions.Resolve(ctx, rc.SessionID, rc.ClientInfo(), rc.WorkspacePath())
	if err != nil {
		h.log.ErrorContext(ctx, "session.resolve.fail", slog.String("err", err.Error()))
		writeRPCError(w, req.ID, apperr.Wrap(apperr.KindServiceUnavailable, "session store unavailable", err))
		return
	}
	rc = rc.WithSession(sess)
	ctx = reqctx.With(ctx, rc)
	w.Header().Set(mcpSessionIDHeader, rc.SessionID)

	if h.tracker.IsForcedBreakRequired(rc.SessionID) && !mcpserver.ExemptFromForcedBreak(req) {
		st := h.tracker.GetBreakStatus(rc.SessionID)
		ae := apperr.ForcedBreak("a break is required before continuing; call the "+wellness.RecordBreakTool+" tool after resting").
			With("requiredAction", wellness.RecordBreakTool).
			With("retryable", true).
			With("elapsedMinutes", st.ElapsedMinutes).
			With("instructions", st.Message)
		h.log.WarnContext(ctx, "wellness.block", slog.Int("elapsed_min", st.ElapsedMinutes))
		writeRPCError(w, req.ID, ae)
		return
	}
	h.tracker.RecordActivity(rc.SessionID, rc.ClientInfo(), rc.WorkspacePath())

	user, err := h.verifier.Verify(ctx, rc.Token)
	if err != nil {
		h.writeAuthError(ctx, w, req.ID, rc.Token, err)
		return
	}
	h.log.DebugContext(ctx, "auth.ok", slog.String("user_id", user.UserID()))

	err = h.transports.Serve(w, r.WithContext(ctx), func(ctx context.Context, handler *mcpserver.Handler, tr *transport.Transport) error {
		tr.Bind(req.ID)
		resp, err := handler.Handle(ctx, req)
		if err != nil {
			return err
		}
		if resp == nil {
			return tr.WriteStatus(http.StatusAccepted)
		}
		if v := negotiatedVersion(req, resp); v != "" {
			tr.Header().Set(mcpProtocolVersionHeader, v)
		}
		return tr.WriteJSON(http.StatusOK, resp)
	})
	if err != nil {
		h.log.InfoContext(ctx, "http.post.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// decodeRequest reads one JSON-RPC message. Responses sent by the client
// are acknowledged with 202 and reported as not ok.
func (h *StreamingHTTPHandler) decodeRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (*jsonrpc.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeRPCErrorStatus(w, http.StatusRequestEntityTooLarge, nil, apperr.InvalidRequest("request body too large"))
		} else {
			writeRPCError(w, nil, apperr.Parse("unable to read request body"))
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return nil, false
	}
	msg, err := jsonrpc.Decode(body)
	switch {
	case errors.Is(err, jsonrpc.ErrBatch):
		writeRPCError(w, nil, apperr.InvalidRequest("JSON-RPC batch arrays are not supported"))
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return nil, false
	case errors.Is(err, jsonrpc.ErrParse):
		writeRPCError(w, nil, apperr.Parse("invalid JSON body"))
		h.log.WarnContext(ctx, "json.decode.fail")
		return nil, false
	case err != nil:
		writeRPCError(w, nil, apperr.InvalidRequest("invalid JSON-RPC message: "+err.Error()))
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return nil, false
	}
	req := msg.AsRequest()
	if req == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "jsonrpc.response.ignored")
		return nil, false
	}
	return req, true
}

func (h *StreamingHTTPHandler) writeAuthError(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, token string, err error) {
	ae := apperr.From(err)
	if ae.Kind != apperr.KindAuthentication {
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeRPCError(w, id, ae)
		return
	}
	if h.challenge.TokenURL != "" {
		ae = ae.With("tokenURL", h.challenge.TokenURL)
	}
	challengeErr := err
	if token == "" {
		challengeErr = nil
	}
	w.Header().Set(wwwAuthenticateHeader, h.challenge.Header(challengeErr))
	h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()), slog.Bool("token_present", token != ""))
	writeRPCError(w, id, ae)
}

// handleGetMCP opens an event stream that carries only heartbeat comments.
// The stream lives at most as long as the transport timeout.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeRPCErrorStatus(w, http.StatusNotAcceptable, nil, apperr.New(apperr.KindValidation, "client must accept text/event-stream"))
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	rc := reqctx.New(r, h.now())
	ctx = reqctx.With(ctx, rc)
	user, err := h.verifier.Verify(ctx, rc.Token)
	if err != nil {
		h.writeAuthError(ctx, w, nil, rc.Token, err)
		return
	}
	h.log.DebugContext(ctx, "auth.ok", slog.String("user_id", user.UserID()))

	err = h.transports.Serve(w, r.WithContext(ctx), func(ctx context.Context, _ *mcpserver.Handler, tr *transport.Transport) error {
		tr.Header().Set(mcpSessionIDHeader, rc.SessionID)
		stream, err := sse.Upgrade(tr.Stream(), r)
		if err != nil {
			return fmt.Errorf("upgrading to event stream: %w", err)
		}
		h.log.InfoContext(ctx, "sse.stream.start")

		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			msg := &sse.Message{}
			msg.AppendComment("heartbeat")
			if err := stream.Send(msg); err != nil {
				return err
			}
			if err := stream.Flush(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !apperr.Is(err, apperr.KindTimeout) {
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP drops the caller's session record. Wellness state is kept:
// it follows the person, not the connection.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := reqctx.New(r, h.now())
	ctx = reqctx.With(ctx, rc)

	if _, err := h.verifier.Verify(ctx, rc.Token); err != nil {
		h.writeAuthError(ctx, w, nil, rc.Token, err)
		return
	}
	if err := h.sessions.Delete(ctx, rc.SessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}

// writeRPCError writes ae as a JSON-RPC error response with the error kind's
// HTTP status.
func writeRPCError(w http.ResponseWriter, id *jsonrpc.RequestID, ae *apperr.Error) {
	writeRPCErrorStatus(w, ae.HTTPStatus(), id, ae)
}

func writeRPCErrorStatus(w http.ResponseWriter, status int, id *jsonrpc.RequestID, ae *apperr.Error) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(transport.NewErrorBody(id, ae))
}

func rpcType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}

// negotiatedVersion extracts the protocol version from a successful
// initialize response.
func negotiatedVersion(req *jsonrpc.Request, resp *jsonrpc.Response) string {
	if req.Method != string(mcp.InitializeMethod) || resp.Error != nil {
		return ""
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return ""
	}
	return res.ProtocolVersion
}
