// Package reqctx carries the identity of one inbound request through every
// call made on its behalf.
//
// A RequestContext is built once per request by New, entered with With or
// Run, and read back anywhere downstream with FromContext or the accessor
// helpers. It travels as a context.Context value, so concurrently handled
// requests never observe each other's identity regardless of how many
// goroutines or blocking calls sit between entry and use.
package reqctx

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/google/uuid"
)

// Workspace describes the project the client is operating on.
type Workspace struct {
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
	// Source names the header the workspace was read from.
	Source string `json:"source"`
}

// RequestContext is read-only once created; derive variants with the With*
// methods, which return copies.
type RequestContext struct {
	// RequestID is assigned by the gateway and unique per request.
	RequestID string
	// CorrelationID is the client's X-Request-Id, if any. It is not unique.
	CorrelationID string
	Token         string
	IP            string
	UserAgent     string
	Timestamp     time.Time
	SessionID     string
	Workspace     *Workspace
	Client        *sessions.ClientInfo
	Session       *sessions.Session
}

// WorkspacePath returns the workspace path or "".
func (rc *RequestContext) WorkspacePath() string {
	if rc == nil || rc.Workspace == nil {
		return ""
	}
	return rc.Workspace.Path
}

// ClientInfo returns the detected client, or an unknown client.
func (rc *RequestContext) ClientInfo() sessions.ClientInfo {
	if rc == nil || rc.Client == nil {
		return sessions.ClientInfo{Name: UnknownClient}
	}
	return *rc.Client
}

// WithSession returns a copy of rc with s attached.
func (rc *RequestContext) WithSession(s *sessions.Session) *RequestContext {
	cp := *rc
	cp.Session = s
	return &cp
}

// WithToken returns a copy of rc carrying token.
func (rc *RequestContext) WithToken(token string) *RequestContext {
	cp := *rc
	cp.Token = token
	return &cp
}

type ctxKey struct{}

type requestIDKey struct{}

// NewRequestID returns a fresh opaque request id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID records the id assigned to the inbound request so that every
// RequestContext later built by New for it shares that id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// With returns a child of ctx in which rc is the active request context.
func With(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the innermost request context entered on ctx.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// Run executes fn with rc entered. fn's return value is passed through.
func Run(ctx context.Context, rc *RequestContext, fn func(ctx context.Context) error) error {
	return fn(With(ctx, rc))
}

// RequestID returns the active request id, or "" outside any request.
func RequestID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.RequestID
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Token returns the active credential, or "" outside any request.
func Token(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.Token
	}
	return ""
}

// SessionID returns the active session id, or "" outside any request.
func SessionID(ctx context.Context) string {
	if rc, ok := FromContext(ctx); ok {
		return rc.SessionID
	}
	return ""
}

// New derives a RequestContext from r at instant now. The request id is the
// one recorded by WithRequestID on r's context, or a fresh one; the client's
// X-Request-Id only ever becomes the CorrelationID.
func New(r *http.Request, now time.Time) *RequestContext {
	rid, _ := r.Context().Value(requestIDKey{}).(string)
	if rid == "" {
		rid = NewRequestID()
	}
	ip := ClientIP(r)
	client := DetectClient(r.Header)
	ws := DetectWorkspace(r.Header)
	rc := &RequestContext{
		RequestID:     rid,
		CorrelationID: strings.TrimSpace(r.Header.Get(HeaderRequestID)),
		Token:         ExtractToken(r.Header),
		IP:            ip,
		UserAgent:     r.UserAgent(),
		Timestamp:     now,
		Workspace:     ws,
		Client:        &client,
	}
	rc.SessionID = SessionIDFor(r.Header, client, ip, ws)
	return rc
}

// ExtractToken returns the bearer token or API key presented on h.
func ExtractToken(h http.Header) string {
	if authz := h.Get("Authorization"); authz != "" {
		scheme, tok, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(h.Get(HeaderAPIKey))
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
