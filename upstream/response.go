package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-gateway-go/apperr"
)

// ErrRequestFailed is the sentinel every *Error unwraps to.
var ErrRequestFailed = errors.New("upstream request failed")

// Error is returned for any request that did not produce a 2xx response,
// including transport failures once the retry budget is spent.
type Error struct {
	Method   string
	Endpoint string
	// Status is zero when no response was received.
	Status   int
	Message  string
	Attempts int

	transport bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s %s: status %d: %s", e.Method, e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s %s: %s", e.Method, e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error { return ErrRequestFailed }

// Retryable reports whether the failure is eligible for retry.
func (e *Error) Retryable() bool {
	return e.transport || retryableStatus(e.Status)
}

// Unreachable reports whether no response was received at all.
func (e *Error) Unreachable() bool {
	return e.transport && e.Status == 0
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status <= 599
}

func isRetryable(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Retryable()
}

// Response is a successful upstream response with its body fully read.
type Response struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	// JSON reports whether ContentType is application/json or a +json type.
	JSON     bool
	Raw      []byte
	Attempts int
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Raw) }

// Value returns the decoded JSON body, or the raw text for non-JSON bodies.
func (r *Response) Value() (any, error) {
	if !r.JSON {
		return r.Text(), nil
	}
	if len(r.Raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r.Raw, &v); err != nil {
		return nil, fmt.Errorf("decoding JSON response: %w", err)
	}
	return v, nil
}

// Decode unmarshals a JSON body into out. Non-JSON bodies are accepted only
// when out is *string, *[]byte or *any.
func (r *Response) Decode(out any) error {
	if r.JSON {
		if len(r.Raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.Raw, out); err != nil {
			return fmt.Errorf("decoding JSON response: %w", err)
		}
		return nil
	}
	switch p := out.(type) {
	case *string:
		*p = r.Text()
	case *[]byte:
		*p = append([]byte(nil), r.Raw...)
	case *any:
		*p = r.Text()
	default:
		return fmt.Errorf("response is not JSON (content-type %q)", r.ContentType)
	}
	return nil
}

func init() {
	apperr.RegisterClassifier(func(err error) *apperr.Error {
		var ue *Error
		if !errors.As(err, &ue) {
			return nil
		}
		ae := apperr.Upstream("upstream request failed: "+ue.Message, err).
			With("method", ue.Method).
			With("endpoint", ue.Endpoint).
			With("attempts", ue.Attempts)
		if ue.Status != 0 {
			ae = ae.With("status", ue.Status)
		}
		return ae
	})
}
