// Package wellknown holds the OAuth discovery documents the gateway
// publishes.
package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the well-known path prefix of RFC 9728
// protected resource metadata.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 document describing the MCP
// endpoint as an OAuth protected resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// MetadataURL returns where the metadata of resource is served: the
// well-known prefix followed by the resource path, on the resource's origin.
func MetadataURL(resource *url.URL) *url.URL {
	return &url.URL{
		Scheme: resource.Scheme,
		Host:   resource.Host,
		Path:   ProtectedResourcePrefix + strings.TrimRight(resource.Path, "/"),
	}
}
