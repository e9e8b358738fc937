package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
)

// JWTOption configures optional aspects of the JWT verifier (scopes,
// algorithms, leeway, etc.).
type JWTOption func(*jwtauth.Config)

// WithJWKSURL skips OIDC discovery and fetches keys from url.
func WithJWKSURL(url string) JWTOption {
	return func(c *jwtauth.Config) { c.JWKSURL = url }
}

// WithAudiences sets the accepted audiences; any one of them must be present.
func WithAudiences(aud ...string) JWTOption {
	return func(c *jwtauth.Config) { c.ExpectedAudiences = append([]string(nil), aud...) }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() JWTOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// JWTVerifier validates signed JWTs issued by issuer.
type JWTVerifier struct {
	a *jwtauth.Authenticator
}

// NewJWTVerifier builds a verifier for tokens issued by issuer. Keys come from
// the JWKS named by the issuer's OpenID configuration unless WithJWKSURL is
// given. The key set is refreshed in the background until ctx ends.
func NewJWTVerifier(ctx context.Context, issuer string, opts ...JWTOption) (*JWTVerifier, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	a, err := jwtauth.New(ctx, cfg)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return &JWTVerifier{a: a}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := v.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
