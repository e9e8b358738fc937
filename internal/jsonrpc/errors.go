package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Gateway error codes live in the implementation-defined server error range
// (-32000 to -32099).
const (
	ErrorCodeAuthentication     ErrorCode = -32001
	ErrorCodeRateLimited        ErrorCode = -32002
	ErrorCodeForcedBreak        ErrorCode = -32003
	ErrorCodeTimeout            ErrorCode = -32004
	ErrorCodeUpstream           ErrorCode = -32005
	ErrorCodeServiceUnavailable ErrorCode = -32006
)
