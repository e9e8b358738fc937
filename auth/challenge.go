package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Challenge describes the WWW-Authenticate header sent with 401 responses.
type Challenge struct {
	Realm string
	// TokenURL is where clients can obtain a token. It is included in the
	// JSON-RPC error data rather than the header.
	TokenURL string
	Scope    string
	// ResourceMetadata is the URL of the protected resource metadata
	// document, advertised as resource_metadata.
	ResourceMetadata string
}

// Header returns the Bearer challenge for err. A nil err (no credential
// presented) yields a challenge without an error code.
func (c Challenge) Header(err error) string {
	var params map[string]string
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientScope):
		params = map[string]string{"error": "insufficient_scope", "error_description": err.Error()}
	default:
		params = map[string]string{"error": "invalid_token", "error_description": err.Error()}
	}
	if c.Scope != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["scope"] = c.Scope
	}
	if c.ResourceMetadata != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["resource_metadata"] = c.ResourceMetadata
	}
	return buildBearerChallenge(c.Realm, params)
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope", "resource_metadata"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
