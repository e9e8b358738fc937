package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/apperr"
)

func newTestClient(t *testing.T, baseURL string, retries int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:   baseURL,
		Timeout:   2 * time.Second,
		Retries:   retries,
		BaseDelay: time.Millisecond,
		MaxDelay:  4 * time.Millisecond,
		Headers:   map[string]string{"X-API-Key": "secret"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("X-API-Key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	out, err := Call[map[string]bool](context.Background(), c, http.MethodGet, "/status", RequestOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !out["ok"] {
		t.Fatalf("body = %v", out)
	}
	if calls.Load() != 4 {
		t.Fatalf("attempts = %d, want 4", calls.Load())
	}
}

func TestDo_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.Get(context.Background(), "limited", RequestOptions{})
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ue.Status != http.StatusTooManyRequests || ue.Attempts != 3 {
		t.Fatalf("status=%d attempts=%d, want 429/3", ue.Status, ue.Attempts)
	}
	if calls.Load() != 3 {
		t.Fatalf("server saw %d calls, want 3", calls.Load())
	}
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatal("error does not unwrap to ErrRequestFailed")
	}
}

func TestDo_NonRetryableFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"no such widget"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5)
	_, err := c.Get(context.Background(), "/widgets/9", RequestOptions{})
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", calls.Load())
	}
	if ue.Message != "no such widget" {
		t.Fatalf("message = %q", ue.Message)
	}

	ae := apperr.From(err)
	if ae.Kind != apperr.KindUpstream {
		t.Fatalf("classified as %v, want upstream", ae.Kind)
	}
	if ae.Data["status"] != http.StatusNotFound {
		t.Fatalf("data.status = %v", ae.Data["status"])
	}
}

func TestDo_TextResponseReturnedRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "pong")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	out, err := Call[any](context.Background(), c, http.MethodGet, "ping", RequestOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "pong" {
		t.Fatalf("out = %#v, want \"pong\"", out)
	}

	if _, err := Call[map[string]any](context.Background(), c, http.MethodGet, "ping", RequestOptions{}); err == nil {
		t.Fatal("decoding text into a map should fail")
	}
}

func TestDo_JSONBodyAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Query().Get("dry") != "1" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/vnd.api+json")
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", 0)
	resp, err := c.Post(context.Background(), "items", RequestOptions{
		Body:  map[string]string{"name": "gear"},
		Query: map[string][]string{"dry": {"1"}},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !resp.JSON {
		t.Fatal("+json content type not treated as JSON")
	}
	v, err := resp.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if m, _ := v.(map[string]any); m["echo"] != "gear" {
		t.Fatalf("value = %v", v)
	}
}

func TestDo_AttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `"done"`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Retries: 1, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Call[string](context.Background(), c, http.MethodGet, "slow", RequestOptions{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "done" || calls.Load() != 2 {
		t.Fatalf("out=%q calls=%d", out, calls.Load())
	}
}

func TestDo_CallerCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Retries: 10, BaseDelay: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Get(ctx, "x", RequestOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("retries outlived caller context: %v", time.Since(start))
	}
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://example.com"}); err == nil {
		t.Fatal("ftp base URL accepted")
	}
	c, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "relative", RequestOptions{}); err == nil {
		t.Fatal("relative endpoint without base URL accepted")
	}
}
