package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/apperr"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrUnavailable indicates the verification collaborator could not be reached
// or is misconfigured.
var ErrUnavailable = errors.New("token verification unavailable")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Verifier validates tokens and returns associated user info.
// It should return an error wrapping ErrUnauthorized for invalid credentials.
type Verifier interface {
	Verify(ctx context.Context, token string) (UserInfo, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (UserInfo, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (UserInfo, error) {
	return f(ctx, token)
}

// Principal is a UserInfo backed by a plain claims map.
type Principal struct {
	ID         string
	ClaimsData map[string]any
}

func (p Principal) UserID() string { return p.ID }

func (p Principal) Claims(ref any) error {
	b, err := json.Marshal(p.ClaimsData)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Unauthorized returns an error wrapping ErrUnauthorized with reason.
func Unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}

// Hints are the remediation steps attached to authentication failures.
var Hints = []string{
	"Send the token as 'Authorization: Bearer <token>' or in the X-API-Key header.",
	"Obtain a token from the URL in tokenURL if you do not have one.",
	"Tokens expire; request a new one if a previously working token is rejected.",
}

func init() {
	apperr.RegisterClassifier(func(err error) *apperr.Error {
		switch {
		case errors.Is(err, ErrUnavailable):
			return apperr.Wrap(apperr.KindServiceUnavailable, "authentication service unavailable", err).
				With("retryable", true)
		case errors.Is(err, ErrInsufficientScope):
			return apperr.Wrap(apperr.KindAuthentication, "insufficient scope", err).
				With("hints", Hints)
		case errors.Is(err, ErrUnauthorized):
			return apperr.Wrap(apperr.KindAuthentication, "authentication failed", err).
				With("reason", strings.ReplaceAll(err.Error(), "\n", "; ")).
				With("hints", Hints)
		}
		return nil
	})
}
