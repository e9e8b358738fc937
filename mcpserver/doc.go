// Package mcpserver implements the MCP protocol surface of the gateway as a
// per-request JSON-RPC dispatcher.
//
// A Server holds the long-lived pieces (server info, tool registry, wellness
// tracker). The HTTP layer asks it for a fresh Handler for every inbound
// message through NewHandler, drives exactly one Handle call, then closes
// the handler. Handlers keep no state between requests: session identity
// travels on the context (see package reqctx).
//
// Supported methods:
//
//   - initialize: negotiates a protocol version and advertises the tools
//     capability together with usage instructions.
//   - ping
//   - tools/list: paginated with an opaque cursor.
//   - tools/call: dispatched to the tool registry. When a break is due the
//     result carries the session's wellness status under _meta.wellness.
//   - notifications/*: accepted and ignored.
package mcpserver
