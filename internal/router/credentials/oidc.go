package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource provides bearer tokens for outbound control-plane calls.
type TokenSource interface {
	// Token returns a valid access token, fetching a fresh one if needed.
	Token(ctx context.Context) (string, error)
}

// NoopTokenSource returns no token; used when the control plane runs
// without authentication (dev mode).
type NoopTokenSource struct{}

// Token returns an empty token.
func (NoopTokenSource) Token(ctx context.Context) (string, error) { return "", nil }

// OIDCTokenSource obtains access tokens via the OIDC client-credentials
// grant and caches them until shortly before expiry.
type OIDCTokenSource struct {
	issuerURL    string
	clientID     string
	clientSecret string
	client       *http.Client

	mu            sync.Mutex
	tokenEndpoint string
	token         string
	expiresAt     time.Time
}

// expirySkew is subtracted from token lifetimes so a token is refreshed
// before the control plane would reject it.
const expirySkew = 30 * time.Second

// NewOIDCTokenSource creates a token source for the given issuer. The token
// endpoint is discovered lazily from the issuer's well-known configuration.
func NewOIDCTokenSource(issuerURL, clientID, clientSecret string) *OIDCTokenSource {
	return &OIDCTokenSource{
		issuerURL:    strings.TrimRight(issuerURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a cached token or fetches a new one.
func (s *OIDCTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt) {
		return s.token, nil
	}

	if s.tokenEndpoint == "" {
		endpoint, err := s.discoverTokenEndpoint(ctx)
		if err != nil {
			return "", err
		}
		s.tokenEndpoint = endpoint
	}

	token, expiresAt, err := s.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}

func (s *OIDCTokenSource) discoverTokenEndpoint(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.issuerURL+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("oidc discovery: issuer %s exposes no token endpoint", s.issuerURL)
	}
	return doc.TokenEndpoint, nil
}

func (s *OIDCTokenSource) fetchToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("oidc token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("oidc token request: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("oidc token request: decode: %w", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("oidc token request: empty access token")
	}

	return body.AccessToken, tokenExpiry(body.AccessToken, body.ExpiresIn), nil
}

// tokenExpiry prefers the exp claim inside the token over the expires_in
// hint, since the claim is what the resource server enforces.
func tokenExpiry(token string, expiresIn int) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-expirySkew)
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second).Add(-expirySkew)
	}
	return time.Now().Add(time.Minute)
}
