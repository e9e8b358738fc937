package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-gateway-go/upstream"
)

// DefaultVerifyTimeout bounds one call to the verification endpoint.
const DefaultVerifyTimeout = 5 * time.Second

// RemoteConfig configures a RemoteVerifier.
type RemoteConfig struct {
	// URL receives a POST of {"token": "..."} and answers
	// {"valid": bool, "message": "..."}.
	URL     string
	Timeout time.Duration
	Headers map[string]string

	// AllowOnUnreachable admits requests when the endpoint cannot be reached
	// at all. It must only be enabled outside production.
	AllowOnUnreachable bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid   bool           `json:"valid"`
	Message string         `json:"message,omitempty"`
	UserID  string         `json:"userId,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// RemoteVerifier delegates token checks to an external endpoint.
type RemoteVerifier struct {
	client     *upstream.Client
	url        string
	permissive bool
	log        *slog.Logger
}

func NewRemoteVerifier(cfg RemoteConfig) (*RemoteVerifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("auth: verification URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultVerifyTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	// Verification is on the request path; a failed check is not retried.
	c, err := upstream.New(upstream.Config{
		Timeout:    cfg.Timeout,
		Retries:    0,
		Headers:    cfg.Headers,
		HTTPClient: cfg.HTTPClient,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return &RemoteVerifier{client: c, url: cfg.URL, permissive: cfg.AllowOnUnreachable, log: log}, nil
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (UserInfo, error) {
	if token == "" {
		return nil, Unauthorized("no credential supplied")
	}

	res, err := upstream.Call[verifyResponse](ctx, v.client, http.MethodPost, v.url, upstream.RequestOptions{Body: verifyRequest{Token: token}})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ue *upstream.Error
		if !errors.As(err, &ue) {
			return nil, errors.Join(ErrUnavailable, err)
		}
		switch {
		case ue.Status == http.StatusUnauthorized || ue.Status == http.StatusForbidden:
			return nil, Unauthorized(ue.Message)
		case ue.Unreachable() && v.permissive:
			v.log.WarnContext(ctx, "auth.verify.unreachable.allow", slog.String("url", v.url), slog.String("err", ue.Message))
			return Principal{ID: "unverified"}, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, ue.Message)
		}
	}

	if !res.Valid {
		msg := res.Message
		if msg == "" {
			msg = "token rejected"
		}
		return nil, Unauthorized(msg)
	}
	id := res.UserID
	if id == "" {
		id = "verified"
	}
	return Principal{ID: id, ClaimsData: res.Claims}, nil
}
