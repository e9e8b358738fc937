package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway-go/mcp"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/upstream"
)

// APIRequestTool is the name of the generic upstream forwarder.
const APIRequestTool = "api_request"

// MaxCacheTTL bounds the per-session cache lifetime a caller may request.
const MaxCacheTTL = time.Hour

type apiRequestArgs struct {
	Method          string            `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=PATCH,enum=DELETE,default=GET" jsonschema_description:"HTTP method."`
	Path            string            `json:"path" jsonschema_description:"Endpoint path relative to the API base URL."`
	Query           map[string]string `json:"query,omitempty" jsonschema_description:"Query string parameters."`
	Body            any               `json:"body,omitempty" jsonschema_description:"JSON request body."`
	CacheTTLSeconds int               `json:"cacheTtlSeconds,omitempty" jsonschema:"minimum=0,maximum=3600" jsonschema_description:"Cache GET responses for this session and workspace."`
}

// APITools returns the api_request tool forwarding to c. When sm is non-nil,
// GET responses can be cached per session and workspace.
func APITools(c *upstream.Client, sm *sessions.Manager, log *slog.Logger) []Tool {
	if log == nil {
		log = slog.Default()
	}
	return []Tool{
		NewTool(APIRequestTool, func(ctx context.Context, s *sessions.Session, w ResponseWriter, r *Request[apiRequestArgs]) error {
			args := r.Args()
			method := strings.ToUpper(args.Method)
			if method == "" {
				method = http.MethodGet
			}
			if args.Path == "" {
				w.SetError(true)
				return w.AppendText("path is required")
			}
			query := make(url.Values, len(args.Query))
			for k, v := range args.Query {
				query.Set(k, v)
			}

			ttl := min(time.Duration(max(args.CacheTTLSeconds, 0))*time.Second, MaxCacheTTL)
			cacheable := method == http.MethodGet && ttl > 0 && sm != nil && s != nil
			key := cacheKey(method, args.Path, query)
			if cacheable {
				if v, ok, err := sm.GetCache(ctx, s.ID, s.WorkspacePath, key); err != nil {
					log.WarnContext(ctx, "tool.cache.get.fail", slog.String("err", err.Error()))
				} else if ok {
					w.SetMeta("upstream", map[string]any{"cached": true})
					return appendValue(w, v)
				}
			}

			resp, err := c.Do(ctx, method, args.Path, upstream.RequestOptions{Body: args.Body, Query: query})
			if err != nil {
				return err
			}
			v, err := resp.Value()
			if err != nil {
				return err
			}
			if cacheable {
				if err := sm.SetCache(ctx, s.ID, s.WorkspacePath, key, v, ttl); err != nil {
					log.WarnContext(ctx, "tool.cache.set.fail", slog.String("err", err.Error()))
				}
			}
			w.SetMeta("upstream", map[string]any{"status": resp.StatusCode, "attempts": resp.Attempts, "cached": false})
			return appendValue(w, v)
		},
			WithTitle("API request"),
			WithDescription("Call the upstream API. Transient failures are retried; the response body is returned as JSON or text."),
			WithAnnotations(mcp.ToolAnnotations{OpenWorldHint: true}),
		),
	}
}

func appendValue(w ResponseWriter, v any) error {
	switch v := v.(type) {
	case nil:
		return w.AppendText("(empty response)")
	case string:
		return w.AppendText(v)
	default:
		return w.AppendJSON(v)
	}
}

func cacheKey(method, path string, q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", method, path)
	for _, k := range keys {
		fmt.Fprintf(&b, "&%s=%s", k, q.Get(k))
	}
	return b.String()
}
