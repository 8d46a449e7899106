package authprovider

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2ClientCredentials fetches and caches a token via the OAuth 2.0
// client-credentials grant, refreshing proactively near expiry (read from
// the access token's exp claim when it's a JWT) and reactively on a 401
// reported through NotifyUnauthorized.
type OAuth2ClientCredentials struct {
	cfg clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewOAuth2ClientCredentials builds a provider for the given token endpoint
// and client credentials.
func NewOAuth2ClientCredentials(tokenURL, clientID, clientSecret string, scopes []string) *OAuth2ClientCredentials {
	return &OAuth2ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		},
	}
}

func (o *OAuth2ClientCredentials) Apply(ctx context.Context, req *http.Request) error {
	tok, err := o.currentToken(ctx)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

// NotifyUnauthorized discards the cached token so the next Apply call fetches
// a fresh one, per spec §4.7 ("token refreshed on 401").
func (o *OAuth2ClientCredentials) NotifyUnauthorized() {
	o.mu.Lock()
	o.token = nil
	o.mu.Unlock()
}

func (o *OAuth2ClientCredentials) currentToken(ctx context.Context) (*oauth2.Token, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.token != nil && !nearExpiry(o.token) {
		return o.token, nil
	}
	tok, err := o.cfg.Token(ctx)
	if err != nil {
		return nil, err
	}
	o.token = tok
	return tok, nil
}

// nearExpiry reports true within 30s of the token's expiry, preferring the
// exp claim parsed out of the access token itself (when it's a JWT) over
// the oauth2.Token's own Expiry field, since some issuers omit expires_in.
func nearExpiry(tok *oauth2.Token) bool {
	const skew = 30 * time.Second
	if exp, ok := jwtExpiry(tok.AccessToken); ok {
		return time.Until(exp) < skew
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return time.Until(tok.Expiry) < skew
}

func jwtExpiry(accessToken string) (time.Time, bool) {
	if strings.Count(accessToken, ".") != 2 {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	// The remote endpoint's own signature, not ours, secures this token; we
	// only read exp to decide when to refresh.
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(expFloat), 0), true
}
