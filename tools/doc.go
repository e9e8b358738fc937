// Package tools defines the tools the gateway exposes over MCP and the
// machinery to declare them.
//
// A tool is declared with NewTool from a typed argument struct. Its input
// schema is reflected from the struct with invopop/jsonschema and arguments
// are decoded strictly at call time (unknown fields are rejected unless the
// tool opts out). Handlers compose their result through a ResponseWriter.
//
// The built-in set covers the wellness operations (record_break,
// wellness_status, record_hydration) and api_request, a generic forwarder to
// the upstream API.
package tools
