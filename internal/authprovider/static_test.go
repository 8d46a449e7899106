package authprovider

import (
	"context"
	"net/http"
	"testing"
)

func TestAPIKey_DefaultsHeaderName(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	a := APIKey{Key: "secret"}
	if err := a.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("X-API-Key"); got != "secret" {
		t.Fatalf("expected default header X-API-Key=secret, got %q", got)
	}
}

func TestAPIKey_CustomHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	a := APIKey{Header: "X-Custom-Key", Key: "secret"}
	if err := a.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("X-Custom-Key"); got != "secret" {
		t.Fatalf("expected X-Custom-Key=secret, got %q", got)
	}
}

func TestBearer_SetsAuthorizationHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	b := Bearer{Token: "tok123"}
	if err := b.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok123" {
		t.Fatalf("expected Bearer tok123, got %q", got)
	}
}

func TestBasic_SetsCredentials(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	b := Basic{Username: "u", Password: "p"}
	if err := b.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	user, pass, ok := req.BasicAuth()
	if !ok || user != "u" || pass != "p" {
		t.Fatalf("expected basic auth u/p, got %q/%q ok=%v", user, pass, ok)
	}
}

func TestCustomHeaders_SetsAllHeaders(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	c := CustomHeaders{Headers: map[string]string{"X-A": "1", "X-B": "2"}}
	if err := c.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if req.Header.Get("X-A") != "1" || req.Header.Get("X-B") != "2" {
		t.Fatalf("expected both custom headers set, got %+v", req.Header)
	}
}

func TestNone_DoesNothing(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test", nil)
	if err := (None{}).Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(req.Header) != 0 {
		t.Fatalf("expected no headers set, got %+v", req.Header)
	}
}
