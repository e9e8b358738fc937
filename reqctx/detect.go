package reqctx

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/sessions"
)

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderAPIKey        = "X-API-Key"
	HeaderMcpSessionID  = "Mcp-Session-Id"
	HeaderSessionID     = "X-Session-Id"
	HeaderClientName    = "X-Client-Name"
	HeaderClientVersion = "X-Client-Version"
	HeaderWorkspacePath = "X-Workspace-Path"
	HeaderProjectRoot   = "X-Project-Root"
	HeaderWorkspaceName = "X-Workspace-Name"

	UnknownClient = "unknown"
)

// knownClients maps a lower-case User-Agent fragment to a client name.
// Order matters: more specific fragments come first.
var knownClients = []struct {
	fragment string
	name     string
}{
	{"claude-code", "claude-code"},
	{"claude-desktop", "claude-desktop"},
	{"claude", "claude"},
	{"cursor", "cursor"},
	{"windsurf", "windsurf"},
	{"cline", "cline"},
	{"continue", "continue"},
	{"zed", "zed"},
	{"copilot", "copilot"},
	{"codex", "codex"},
	{"vscode", "vscode"},
	{"visual studio code", "vscode"},
	{"jetbrains", "jetbrains"},
	{"mcp-inspector", "mcp-inspector"},
}

// DetectClient identifies the calling editor or agent from explicit client
// headers (confidence 1.0) or the User-Agent (0.8).
func DetectClient(h http.Header) sessions.ClientInfo {
	if name := strings.TrimSpace(h.Get(HeaderClientName)); name != "" {
		return sessions.ClientInfo{
			Name:       strings.ToLower(name),
			Version:    strings.TrimSpace(h.Get(HeaderClientVersion)),
			Confidence: 1,
		}
	}
	ua := strings.ToLower(h.Get("User-Agent"))
	for _, kc := range knownClients {
		idx := strings.Index(ua, kc.fragment)
		if idx < 0 {
			continue
		}
		return sessions.ClientInfo{
			Name:       kc.name,
			Version:    versionAfter(ua[idx+len(kc.fragment):]),
			Confidence: 0.8,
		}
	}
	return sessions.ClientInfo{Name: UnknownClient}
}

// versionAfter extracts "1.2.3" from a User-Agent tail such as "/1.2.3 (x)".
func versionAfter(tail string) string {
	if !strings.HasPrefix(tail, "/") {
		return ""
	}
	tail = tail[1:]
	end := strings.IndexAny(tail, " ;)")
	if end >= 0 {
		tail = tail[:end]
	}
	return tail
}

// DetectWorkspace reads workspace metadata from request headers; it returns
// nil when none is present.
func DetectWorkspace(h http.Header) *Workspace {
	for _, hdr := range []string{HeaderWorkspacePath, HeaderProjectRoot} {
		if p := strings.TrimSpace(h.Get(hdr)); p != "" {
			name := strings.TrimSpace(h.Get(HeaderWorkspaceName))
			if name == "" {
				name = path.Base(strings.ReplaceAll(p, `\`, "/"))
			}
			return &Workspace{Path: p, Name: name, Source: hdr}
		}
	}
	if name := strings.TrimSpace(h.Get(HeaderWorkspaceName)); name != "" {
		return &Workspace{Name: name, Source: HeaderWorkspaceName}
	}
	return nil
}

// SessionIDFor returns the explicit session id on h, or a stable id derived
// from the client name, IP and workspace.
func SessionIDFor(h http.Header, client sessions.ClientInfo, ip string, ws *Workspace) string {
	for _, hdr := range []string{HeaderMcpSessionID, HeaderSessionID} {
		if id := strings.TrimSpace(h.Get(hdr)); id != "" {
			return id
		}
	}
	wsKey := ""
	if ws != nil {
		wsKey = ws.Path
		if wsKey == "" {
			wsKey = ws.Name
		}
	}
	sum := sha256.Sum256([]byte(client.Name + "|" + ip + "|" + wsKey))
	return "sess_" + hex.EncodeToString(sum[:16])
}
