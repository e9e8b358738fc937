// Package streaminghttp implements the gateway's HTTP surface: a single MCP
// endpoint speaking JSON-RPC over streaming HTTP, plus diagnostics and a
// health probe. It mounts as a standard net/http handler.
//
// Every POST runs the same pipeline, in order:
//
//   - shutdown admission (503 while draining, request id assigned)
//   - per-IP rate limiting (429 with Retry-After; X-RateLimit-* on every
//     response)
//   - body decode (one JSON-RPC message, batches rejected)
//   - request context creation and session resolution
//   - forced-break enforcement (423 unless the call is exempt)
//   - activity recording
//   - credential verification (401 with a Bearer challenge)
//   - dispatch to a fresh mcpserver.Handler under the transport timeout
//
// Protocol and tool errors travel in-band with HTTP 200. Notifications are
// acknowledged with 202.
//
// Routes
//
//	POST   {endpoint}                  JSON-RPC request or notification
//	GET    {endpoint}                  event stream with heartbeat comments
//	DELETE {endpoint}                  drops the session record, 204
//	GET    {endpoint}/activity/status  wellness status of the caller's session
//	GET    {endpoint}/activity/stats   aggregate activity and transport counters
//	GET    /healthz                    liveness and in-flight count
//
// Example (mount in net/http):
//
//	h, err := streaminghttp.New(streaminghttp.Config{
//	    Endpoint: "/mcp",
//	    Server:   server,
//	    Sessions: sessionManager,
//	    Tracker:  tracker,
//	    Limiter:  limiter,
//	    Verifier: verifier,
//	    Shutdown: coordinator,
//	}, streaminghttp.WithLogger(log))
//	http.ListenAndServe(":8080", h)
package streaminghttp
