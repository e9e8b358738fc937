package streaminghttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/transport"
	"github.com/ggoodman/mcp-gateway-go/wellness"
)

type activityStatusResponse struct {
	SessionID string               `json:"sessionId"`
	Client    string               `json:"client"`
	Workspace *reqctx.Workspace    `json:"workspace,omitempty"`
	Status    wellness.BreakStatus `json:"status"`
}

// activityStatsResponse carries aggregates only; no session identifiers.
type activityStatsResponse struct {
	Wellness       wellness.Stats  `json:"wellness"`
	StoredSessions int             `json:"storedSessions"`
	RateLimited    int             `json:"rateLimitedClients"`
	Transport      transport.Stats `json:"transport"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

type healthResponse struct {
	Status   string `json:"status"`
	InFlight int    `json:"inflight"`
}

// handleActivityStatus reports the wellness status of the session the
// request resolves to. It does not count as activity.
func (h *StreamingHTTPHandler) handleActivityStatus(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.New(r, h.now())
	writeJSON(w, http.StatusOK, activityStatusResponse{
		SessionID: rc.SessionID,
		Client:    rc.ClientInfo().Name,
		Workspace: rc.Workspace,
		Status:    h.tracker.GetBreakStatus(rc.SessionID),
	})
}

func (h *StreamingHTTPHandler) handleActivityStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stored, err := h.sessions.Count(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "session.count.fail", slog.String("err", err.Error()))
		stored = -1
	}
	writeJSON(w, http.StatusOK, activityStatsResponse{
		Wellness:       h.tracker.Stats(),
		StoredSessions: stored,
		RateLimited:    h.limiter.Len(),
		Transport:      h.transports.Stats(),
		GeneratedAt:    h.now().UTC(),
	})
}

func (h *StreamingHTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{Status: "ok"}
	if h.shutdown != nil {
		res.InFlight = h.shutdown.InFlight()
		if h.shutdown.Draining() {
			res.Status = "draining"
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *StreamingHTTPHandler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, h.prm)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
