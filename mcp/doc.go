// Package mcp contains the protocol data types and constants the gateway
// speaks. It mirrors the wire representation specified by the Model Context
// Protocol while keeping the surface Go-friendly (exported structs with json
// tags, string constants for method names).
//
// The package is free of transport logic: streaminghttp implements framing,
// authentication and policy, and mcpserver builds responses from these
// concrete types.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes
// and ensures a single point of truth if the protocol evolves.
//
// # Capabilities
//
// The gateway only exposes tools. ServerCapabilities is kept as a struct so
// additional capabilities can be advertised without changing callers.
package mcp
