// Package upstream provides the resilient HTTP client used to reach the
// external tool-backing API.
//
// All configuration (base URL, default headers, per-attempt timeout, retry
// budget, backoff delays) is fixed at construction and applied uniformly to
// every method. Transport failures and retryable statuses (408, 425, 429,
// 5xx) are retried with exponential backoff; any other non-2xx status fails
// immediately without consuming retry budget.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elnormous/contenttype"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 3
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second

	maxResponseBytes = 10 << 20
)

// Config is applied to every request issued by a Client.
type Config struct {
	// BaseURL is prefixed to relative endpoints.
	BaseURL string

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Retries is the number of retries after the first attempt. Negative
	// values are treated as zero.
	Retries int

	// BaseDelay is the wait before the first retry; it doubles for each
	// subsequent retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Headers are sent with every request (e.g. the API key).
	Headers map[string]string

	// HTTPClient defaults to a client without its own timeout; attempts are
	// bounded by Timeout instead.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// RequestOptions carries the per-call parts of a request.
type RequestOptions struct {
	// Body is JSON-encoded unless it is a []byte or string.
	Body    any
	Query   url.Values
	Headers map[string]string
}

// Client is safe for concurrent use.
type Client struct {
	baseURL   string
	timeout   time.Duration
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
	headers   map[string]string
	http      *http.Client
	log       *slog.Logger
}

// New builds a Client from cfg, filling unset durations with defaults.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid base URL %q: %w", cfg.BaseURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("upstream: base URL must use http or https, got %q", u.Scheme)
		}
	}
	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		retries:   max(cfg.Retries, 0),
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		headers:   make(map[string]string, len(cfg.Headers)),
		http:      cfg.HTTPClient,
		log:       cfg.Logger,
	}
	for k, v := range cfg.Headers {
		c.headers[k] = v
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Get(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodGet, endpoint, opts)
}

func (c *Client) Post(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPost, endpoint, opts)
}

func (c *Client) Put(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPut, endpoint, opts)
}

func (c *Client) Patch(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, endpoint, opts)
}

func (c *Client) Delete(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, endpoint, opts)
}

// Call issues a request and decodes the response into T. JSON responses are
// unmarshalled; non-JSON responses are returned as text when T is string or
// any.
func Call[T any](ctx context.Context, c *Client, method, endpoint string, opts RequestOptions) (T, error) {
	var out T
	resp, err := c.Do(ctx, method, endpoint, opts)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, &Error{Method: method, Endpoint: endpoint, Status: resp.StatusCode, Message: err.Error(), Attempts: resp.Attempts}
	}
	return out, nil
}

// Do issues method against endpoint, retrying per the client's policy.
func (c *Client) Do(ctx context.Context, method, endpoint string, opts RequestOptions) (*Response, error) {
	method = strings.ToUpper(method)
	target, err := c.resolve(endpoint, opts.Query)
	if err != nil {
		return nil, &Error{Method: method, Endpoint: endpoint, Message: err.Error()}
	}
	body, contentType, err := encodeBody(opts.Body)
	if err != nil {
		return nil, &Error{Method: method, Endpoint: endpoint, Message: err.Error()}
	}

	var (
		attempts int
		result   *Response
	)
	op := func() error {
		attempts++
		res, err := c.attempt(ctx, method, target, body, contentType, opts.Headers)
		if err != nil {
			var ue *Error
			if errors.As(err, &ue) {
				ue.Method, ue.Endpoint, ue.Attempts = method, endpoint, attempts
			}
			if ctx.Err() != nil || !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res.Attempts = attempts
		result = res
		return nil
	}

	err = backoff.RetryNotify(op, c.policy(ctx), func(err error, wait time.Duration) {
		attrs := []any{slog.String("method", method), slog.String("endpoint", endpoint), slog.Int("attempt", attempts), slog.Duration("wait", wait), slog.String("err", err.Error())}
		c.log.WarnContext(ctx, "upstream.retry", attrs...)
	})
	if err != nil {
		var ue *Error
		if !errors.As(err, &ue) {
			ue = &Error{Method: method, Endpoint: endpoint, Message: "request canceled: " + err.Error(), Attempts: attempts}
		}
		c.log.ErrorContext(ctx, "upstream.fail", slog.String("method", method), slog.String("endpoint", endpoint), slog.Int("status", ue.Status), slog.Int("attempts", ue.Attempts), slog.String("err", ue.Message))
		return nil, ue
	}
	return result, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, contentType string, headers map[string]string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target, rdr)
	if err != nil {
		return nil, &Error{Message: "building request: " + err.Error()}
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.8")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: transportMessage(attemptCtx, err), transport: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Message: "reading response body: " + transportMessage(attemptCtx, err), transport: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}

	ct := resp.Header.Get("Content-Type")
	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		ContentType: ct,
		JSON:        isJSON(ct),
		Raw:         raw,
	}, nil
}

func (c *Client) resolve(endpoint string, query url.Values) (string, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err = url.Parse(endpoint)
	} else {
		if c.baseURL == "" {
			return "", errors.New("relative endpoint requires a base URL")
		}
		u, err = url.Parse(c.baseURL + "/" + strings.TrimLeft(endpoint, "/"))
	}
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, "application/octet-stream", nil
	case string:
		return []byte(b), "text/plain; charset=utf-8", nil
	case json.RawMessage:
		return b, "application/json", nil
	default:
		enc, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}
		return enc, "application/json", nil
	}
}

func isJSON(ct string) bool {
	if ct == "" {
		return false
	}
	mt := contenttype.NewMediaType(ct)
	return mt.Type == "application" && (mt.Subtype == "json" || strings.HasSuffix(mt.Subtype, "+json"))
}

// transportMessage describes a transport failure without exposing the
// underlying error type.
func transportMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "attempt timed out"
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err.Error()
	}
	return err.Error()
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Detail != "":
			return body.Detail
		}
		switch e := body.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		return http.StatusText(status)
	}
	return text
}
