// Package transport owns the lifecycle of the per-request protocol handler
// and its response transport.
//
// Every request gets a fresh handler and a fresh Transport; nothing is shared
// across requests. A single timer bounds the exchange. Cleanup runs exactly
// once, whichever of normal completion, client disconnect, transport write
// failure or timeout happens first, and releases the transport, the handler
// and the timer together.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/apperr"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
)

// ErrTransportClosed is returned by writes after cleanup.
var ErrTransportClosed = errors.New("transport closed")

// Transport serializes writes to one response. Once closed, every write fails
// with ErrTransportClosed.
type Transport struct {
	w http.ResponseWriter
	// header is staged by the exchange and copied onto w by its own writes.
	header http.Header

	mu      sync.Mutex
	closed  bool
	sent    bool
	rpcID   *jsonrpc.RequestID
	onError func(error)
}

func newTransport(w http.ResponseWriter, onError func(error)) *Transport {
	return &Transport{w: w, header: make(http.Header), onError: onError}
}

// Header returns the headers staged for the exchange's response. The map is
// never the live response header: the exchange may keep mutating it after a
// timeout or disconnect has answered the request, and those mutations are
// dropped.
func (t *Transport) Header() http.Header { return t.header }

// Bind records the JSON-RPC id of the request being served so that a timeout
// response can be correlated with it.
func (t *Transport) Bind(id *jsonrpc.RequestID) {
	t.mu.Lock()
	t.rpcID = id
	t.mu.Unlock()
}

func (t *Transport) boundID() *jsonrpc.RequestID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rpcID
}

// Sent reports whether a response has started.
func (t *Transport) Sent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// Closed reports whether cleanup has run.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// WriteJSON writes v as the complete response body with status.
func (t *Transport) WriteJSON(status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encoding response: %w", err)
	}
	return t.write(status, "application/json", body, false)
}

// WriteStatus writes a body-less response.
func (t *Transport) WriteStatus(status int) error {
	return t.write(status, "", nil, false)
}

// WriteRPCError writes a JSON-RPC error response with the given HTTP status.
func (t *Transport) WriteRPCError(status int, id *jsonrpc.RequestID, rpcErr *jsonrpc.Error) error {
	return t.WriteJSON(status, &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: id, Error: rpcErr})
}

// NewErrorBody builds the JSON-RPC error response for ae.
func NewErrorBody(id *jsonrpc.RequestID, ae *apperr.Error) *jsonrpc.Response {
	return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: id, Error: ae.RPCError()}
}

// writeIfUnsent writes only when no response has started. It reports
// whether it wrote.
func (t *Transport) writeIfUnsent(status int, v any) (bool, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	err = t.write(status, "application/json", body, true)
	if errors.Is(err, errAlreadySent) {
		return false, nil
	}
	return err == nil, err
}

var errAlreadySent = errors.New("response already sent")

// write sends one complete response. Writes made by the manager on the
// exchange's behalf (onlyIfUnsent) never read the staged headers, since the
// exchange may still be mutating them.
func (t *Transport) write(status int, contentType string, body []byte, onlyIfUnsent bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if onlyIfUnsent && t.sent {
		t.mu.Unlock()
		return errAlreadySent
	}
	if t.sent {
		t.mu.Unlock()
		return errors.New("transport: response already started")
	}
	t.sent = true
	if !onlyIfUnsent {
		t.applyHeader()
	}
	if contentType != "" {
		t.w.Header().Set("Content-Type", contentType)
	}
	t.w.WriteHeader(status)
	var err error
	if len(body) > 0 {
		_, err = t.w.Write(body)
	}
	t.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("transport: write: %w", err)
		if t.onError != nil {
			t.onError(err)
		}
	}
	return err
}

// Stream returns a writer for incremental responses (such as SSE) that obeys
// the same close semantics as the Transport.
func (t *Transport) Stream() http.ResponseWriter {
	return &streamWriter{t: t}
}

func (t *Transport) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// applyHeader copies the staged headers onto the response. t.mu must be held
// and the caller must be the exchange goroutine.
func (t *Transport) applyHeader() {
	dst := t.w.Header()
	for k, v := range t.header {
		dst[k] = v
	}
}

type streamWriter struct {
	t *Transport
}

func (s *streamWriter) Header() http.Header { return s.t.header }

func (s *streamWriter) WriteHeader(status int) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.closed || s.t.sent {
		return
	}
	s.t.sent = true
	s.t.applyHeader()
	s.t.w.WriteHeader(status)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.t.mu.Lock()
	if s.t.closed {
		s.t.mu.Unlock()
		return 0, ErrTransportClosed
	}
	if !s.t.sent {
		s.t.sent = true
		s.t.applyHeader()
	}
	n, err := s.t.w.Write(p)
	s.t.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("transport: write: %w", err)
		if s.t.onError != nil {
			s.t.onError(err)
		}
	}
	return n, err
}

func (s *streamWriter) Flush() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.closed {
		return
	}
	if !s.t.sent {
		s.t.sent = true
		s.t.applyHeader()
	}
	if f, ok := s.t.w.(http.Flusher); ok {
		f.Flush()
	}
}
