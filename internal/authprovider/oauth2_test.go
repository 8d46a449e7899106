package authprovider

import (
	"encoding/base64"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func fakeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"exp":` + itoa(exp.Unix()) + `}`))
	return header + "." + payload + ".sig"
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestJWTExpiry_ParsesExpClaim(t *testing.T) {
	want := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := fakeJWT(t, want)
	got, ok := jwtExpiry(tok)
	if !ok {
		t.Fatalf("expected jwtExpiry to parse the token")
	}
	if got.Unix() != want.Unix() {
		t.Fatalf("expected exp %v, got %v", want, got)
	}
}

func TestJWTExpiry_RejectsNonJWT(t *testing.T) {
	if _, ok := jwtExpiry("not-a-jwt"); ok {
		t.Fatalf("expected non-JWT opaque token to be rejected")
	}
}

func TestNearExpiry_TrueWithinSkewOfJWTExp(t *testing.T) {
	tok := &oauth2.Token{AccessToken: fakeJWT(t, time.Now().Add(10*time.Second))}
	if !nearExpiry(tok) {
		t.Fatalf("expected token expiring in 10s to be near expiry")
	}
}

func TestNearExpiry_FalseWellBeforeJWTExp(t *testing.T) {
	tok := &oauth2.Token{AccessToken: fakeJWT(t, time.Now().Add(time.Hour))}
	if nearExpiry(tok) {
		t.Fatalf("expected token expiring in 1h to not be near expiry")
	}
}

func TestNearExpiry_FallsBackToTokenExpiryForOpaqueToken(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "opaque-token", Expiry: time.Now().Add(5 * time.Second)}
	if !nearExpiry(tok) {
		t.Fatalf("expected opaque token near its Expiry to be near expiry")
	}
}

func TestNotifyUnauthorized_ClearsCachedToken(t *testing.T) {
	o := NewOAuth2ClientCredentials("http://example.test/token", "id", "secret", nil)
	o.token = &oauth2.Token{AccessToken: "cached"}
	o.NotifyUnauthorized()
	if o.token != nil {
		t.Fatalf("expected NotifyUnauthorized to clear the cached token")
	}
}
