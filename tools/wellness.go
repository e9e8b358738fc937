package tools

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/reqctx"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/wellness"
)

type recordBreakArgs struct {
	DurationMinutes int    `json:"durationMinutes,omitempty" jsonschema:"minimum=0,maximum=480" jsonschema_description:"How long the break lasted, in minutes."`
	Activity        string `json:"activity,omitempty" jsonschema_description:"What you did during the break."`
}

type emptyArgs struct{}

var errNoSession = errors.New("no session is associated with this request")

func sessionID(ctx context.Context, s *sessions.Session) string {
	if s != nil {
		return s.ID
	}
	return reqctx.SessionID(ctx)
}

// WellnessTools returns the record_break, wellness_status and
// record_hydration tools backed by t. All three remain callable while a
// session is force-blocked.
func WellnessTools(t *wellness.Tracker) []Tool {
	return []Tool{
		NewTool(wellness.RecordBreakTool, func(ctx context.Context, s *sessions.Session, w ResponseWriter, r *Request[recordBreakArgs]) error {
			id := sessionID(ctx, s)
			if id == "" {
				return errNoSession
			}
			st := t.RecordBreak(id, r.Args().DurationMinutes)
			if err := w.AppendText("Break recorded. " + st.Message); err != nil {
				return err
			}
			return w.AppendJSON(st)
		},
			WithTitle("Record break"),
			WithDescription("Record that you took a break. Clears break reminders and lifts a forced block on this session."),
		),
		NewTool(wellness.StatusTool, func(ctx context.Context, s *sessions.Session, w ResponseWriter, r *Request[emptyArgs]) error {
			id := sessionID(ctx, s)
			if id == "" {
				return errNoSession
			}
			st := t.GetBreakStatus(id)
			if err := w.AppendText(st.Message); err != nil {
				return err
			}
			return w.AppendJSON(st)
		},
			WithTitle("Wellness status"),
			WithDescription("Report how long this session has been working and whether a break is due."),
			WithAnnotations(mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}),
		),
		NewTool(wellness.RecordHydrationTool, func(ctx context.Context, s *sessions.Session, w ResponseWriter, r *Request[emptyArgs]) error {
			id := sessionID(ctx, s)
			if id == "" {
				return errNoSession
			}
			st := t.RecordHydration(id)
			if err := w.AppendText("Hydration recorded."); err != nil {
				return err
			}
			return w.AppendJSON(st)
		},
			WithTitle("Record hydration"),
			WithDescription("Record that you drank some water. Resets the hydration reminder."),
			WithAnnotations(mcp.ToolAnnotations{IdempotentHint: true}),
		),
	}
}
