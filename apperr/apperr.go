// Package apperr defines the gateway's error taxonomy and its mapping onto
// JSON-RPC error codes and HTTP statuses.
//
// Every error that reaches the wire passes through From, which classifies
// foreign errors (upstream failures, authentication sentinels, deadlines)
// into a Kind. Errors of unknown origin become KindInternal and are surfaced
// with a generic message; their detail only reaches the logs.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
)

// Kind tags an error with its place in the taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindServiceUnavailable
	KindValidation
	KindRateLimited
	KindForcedBreak
	KindUpstream
	KindTimeout
)

var kindNames = map[Kind]string{
	KindInternal:           "InternalError",
	KindAuthentication:     "AuthenticationError",
	KindServiceUnavailable: "ServiceUnavailableError",
	KindValidation:         "ValidationError",
	KindRateLimited:        "RateLimitExceeded",
	KindForcedBreak:        "ForcedBreakRequired",
	KindUpstream:           "UpstreamRequestFailed",
	KindTimeout:            "TimeoutExceeded",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the JSON-RPC error code for the kind.
func (k Kind) Code() jsonrpc.ErrorCode {
	switch k {
	case KindAuthentication:
		return jsonrpc.ErrorCodeAuthentication
	case KindServiceUnavailable:
		return jsonrpc.ErrorCodeServiceUnavailable
	case KindValidation:
		return jsonrpc.ErrorCodeInvalidParams
	case KindRateLimited:
		return jsonrpc.ErrorCodeRateLimited
	case KindForcedBreak:
		return jsonrpc.ErrorCodeForcedBreak
	case KindUpstream:
		return jsonrpc.ErrorCodeUpstream
	case KindTimeout:
		return jsonrpc.ErrorCodeTimeout
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// HTTPStatus returns the status used when the error is surfaced before a
// JSON-RPC exchange completes.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindForcedBreak:
		return http.StatusLocked
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error. Data carries remediation details
// (hints, retry-after, timeout) and is serialized as the JSON-RPC error data.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	Err     error

	// code overrides Kind.Code when non-zero (parse errors).
	code jsonrpc.ErrorCode
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the JSON-RPC code for this error.
func (e *Error) Code() jsonrpc.ErrorCode {
	if e.code != 0 {
		return e.code
	}
	return e.Kind.Code()
}

// HTTPStatus returns the HTTP status for this error.
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

// RPCError converts the error into a wire-level JSON-RPC error object.
func (e *Error) RPCError() *jsonrpc.Error {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data["type"] = e.Kind.String()
	return &jsonrpc.Error{Code: e.Code(), Message: e.Message, Data: data}
}

// With returns a copy of e with key set in Data.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	cp.Data[key] = value
	return &cp
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Authentication(msg string) *Error     { return New(KindAuthentication, msg) }
func ServiceUnavailable(msg string) *Error { return New(KindServiceUnavailable, msg) }
func Validation(msg string) *Error         { return New(KindValidation, msg) }
func RateLimited(msg string) *Error        { return New(KindRateLimited, msg) }
func ForcedBreak(msg string) *Error        { return New(KindForcedBreak, msg) }
func Upstream(msg string, err error) *Error {
	return Wrap(KindUpstream, msg, err)
}
func Timeout(msg string) *Error { return New(KindTimeout, msg) }

// Parse reports a request body that is not valid JSON.
func Parse(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, code: jsonrpc.ErrorCodeParseError}
}

// InvalidRequest reports a structurally invalid JSON-RPC message.
func InvalidRequest(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, code: jsonrpc.ErrorCodeInvalidRequest}
}

// MethodNotFound reports an unknown JSON-RPC method.
func MethodNotFound(method string) *Error {
	return &Error{Kind: KindValidation, Message: "method not found: " + method, code: jsonrpc.ErrorCodeMethodNotFound}
}

// Classifier maps a foreign error to an *Error; it returns nil when the
// error is not recognized. Packages that own sentinel errors register one
// via RegisterClassifier so apperr stays free of import cycles.
type Classifier func(err error) *Error

var classifiers []Classifier

// RegisterClassifier adds c to the classifiers consulted by From. It is
// intended to be called from package init functions.
func RegisterClassifier(c Classifier) {
	classifiers = append(classifiers, c)
}

// From classifies err. A nil err yields nil.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	for _, c := range classifiers {
		if ae := c(err); ae != nil {
			return ae
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "operation timed out", err)
	}
	return Wrap(KindInternal, "internal server error", err)
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	ae := From(err)
	return ae != nil && ae.Kind == kind
}
