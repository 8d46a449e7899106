// Package authprovider implements the pluggable credential injection the
// Sync Engine uses against the remote endpoint (spec §4.7): API key header,
// bearer token, HTTP basic, a custom header set, or OAuth 2.0
// client-credentials with 401-triggered refresh. The core treats the
// credential as opaque bytes an AuthProvider injects into the request.
package authprovider

import (
	"context"
	"net/http"
)

// AuthProvider mutates an outbound request to carry credentials. Apply is
// called immediately before every send, including retries, so providers
// that cache a token (OAuth2ClientCredentials) can refresh it transparently.
type AuthProvider interface {
	Apply(ctx context.Context, req *http.Request) error
}

// Unauthorized lets the Sync Engine tell a provider its last credential was
// rejected, per spec §4.7 ("token refreshed on 401"). Providers without a
// refreshable credential implement this as a no-op.
type Unauthorized interface {
	NotifyUnauthorized()
}

// None applies no credentials, for a remote endpoint with no auth scheme.
type None struct{}

func (None) Apply(context.Context, *http.Request) error { return nil }
