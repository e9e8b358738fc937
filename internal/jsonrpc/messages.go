package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only accepted value of the jsonrpc member.
const ProtocolVersion = "2.0"

// Decode failures. Decode wraps one of these so callers can pick the
// matching protocol error code.
var (
	// ErrParse means the payload is not JSON at all.
	ErrParse = errors.New("jsonrpc: parse error")
	// ErrBatch means the payload is a JSON array; batches are not accepted.
	ErrBatch = errors.New("jsonrpc: batch requests are not supported")
	// ErrInvalidMessage means the payload is JSON but not a JSON-RPC 2.0
	// message.
	ErrInvalidMessage = errors.New("jsonrpc: invalid message")
)

// AnyMessage is a decoded request, notification or response. Use Type or
// the As* accessors to tell them apart.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request is a request or, without an ID, a notification.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is the error member of a Response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Decode parses a single message from body.
func Decode(body []byte) (*AnyMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrBatch
	}
	if !json.Valid(trimmed) {
		return nil, ErrParse
	}
	var m AnyMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewResultResponse marshals result into a success response for id.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encoding result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response for id. A nil id is encoded as
// null, as required when the request id could not be determined.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// IsNotification reports whether no response is expected.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// UnmarshalJSON decodes m and rejects anything that is not a well-formed
// JSON-RPC 2.0 message. Errors wrap ErrInvalidMessage unless the input is
// not JSON.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type wire AnyMessage
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("%w: invalid JSON-RPC version: expected %q, got %q", ErrInvalidMessage, ProtocolVersion, w.JSONRPCVersion)
	}

	hasResult, hasError := len(w.Result) > 0, w.Error != nil
	switch {
	case w.Method != "" && (hasResult || hasError):
		return fmt.Errorf("%w: request message cannot have result or error fields", ErrInvalidMessage)
	case w.Method == "" && hasResult && hasError:
		return fmt.Errorf("%w: response message cannot have both result and error fields", ErrInvalidMessage)
	case w.Method == "" && !hasResult && !hasError:
		return fmt.Errorf("%w: response message must have either result or error field", ErrInvalidMessage)
	}
	*m = AnyMessage(w)
	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	switch {
	case m.Method == "":
		return "response"
	case m.ID == nil:
		return "notification"
	default:
		return "request"
	}
}

// AsRequest returns the message as a Request, or nil for responses.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{JSONRPCVersion: m.JSONRPCVersion, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns the message as a Response, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{JSONRPCVersion: m.JSONRPCVersion, Result: m.Result, Error: m.Error, ID: m.ID}
}
