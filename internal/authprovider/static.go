package authprovider

import (
	"context"
	"net/http"
)

// APIKey injects a static API key under a configurable header name.
type APIKey struct {
	Header string
	Key    string
}

func (a APIKey) Apply(_ context.Context, req *http.Request) error {
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
	return nil
}

// Bearer injects a static bearer token.
type Bearer struct {
	Token string
}

func (b Bearer) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

// Basic injects HTTP basic credentials.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// CustomHeaders injects an arbitrary fixed header set, for endpoints with a
// bespoke authentication scheme the core doesn't otherwise model.
type CustomHeaders struct {
	Headers map[string]string
}

func (c CustomHeaders) Apply(_ context.Context, req *http.Request) error {
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	return nil
}
