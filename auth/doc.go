// Package auth verifies the credential presented with each inbound gateway
// request.
//
// A Verifier checks a token and returns the authenticated principal or an
// error. Three verifiers are provided:
//
//   - RemoteVerifier delegates to an external verification endpoint.
//   - JWTVerifier validates signed JWTs against a JWKS, optionally discovered
//     from the issuer's OpenID configuration.
//   - AllowAll accepts every request and is meant for local development.
//
// Failures wrap ErrUnauthorized (bad or missing credential) or ErrUnavailable
// (the verification collaborator could not be consulted). Both are
// classified by apperr so the HTTP layer can surface them without knowing
// which verifier is configured.
package auth
