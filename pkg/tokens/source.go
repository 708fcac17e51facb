// Package tokens refreshes and serves per-user provider access tokens.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	shared "github.com/vitalsync/server/pkg"
)

// ErrReauthorizationRequired means the provider rejected our refresh
// credential. The link must flip to Unauthorized; only a fresh authorization
// flow can clear it.
var ErrReauthorizationRequired = errors.New("provider rejected refresh credential, reauthorization required")

// refreshWindow refreshes proactively when the cached token expires within it.
const refreshWindow = time.Minute

// Token is the provider credential pair.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Source returns a valid token, refreshing as needed.
// It is safe for concurrent use by multiple goroutines.
type Source interface {
	Token(ctx context.Context) (*Token, error)
	ForceRefresh(ctx context.Context) (*Token, error)
}

// SecretTokenSource keeps the access token in memory and the refresh
// credential in the secret store, under the link's secret reference. Rotated
// refresh credentials are persisted back before the new token is returned, so
// a crash never strands a consumed one-time credential.
type SecretTokenSource struct {
	secrets   shared.SecretStore
	secretRef string

	tokenURL     string
	clientID     string
	clientSecret string

	client *http.Client

	mu     sync.Mutex
	cached *Token
}

func NewSecretTokenSource(secrets shared.SecretStore, secretRef, tokenURL, clientID, clientSecret string, client *http.Client) *SecretTokenSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SecretTokenSource{
		secrets:      secrets,
		secretRef:    secretRef,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

// Token returns the cached access token, refreshing when it is missing or
// expires within the proactive window.
func (s *SecretTokenSource) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && (s.cached.Expiry.IsZero() || time.Now().Add(refreshWindow).Before(s.cached.Expiry)) {
		return s.cached, nil
	}
	return s.refresh(ctx)
}

// ForceRefresh discards the cached token and refreshes regardless of expiry.
func (s *SecretTokenSource) ForceRefresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	return s.refresh(ctx)
}

func (s *SecretTokenSource) refresh(ctx context.Context) (*Token, error) {
	refreshToken, err := s.secrets.GetSecret(ctx, s.secretRef)
	if err != nil {
		if errors.Is(err, shared.ErrSecretNotFound) || errors.Is(err, shared.ErrSecretDeleted) {
			return nil, fmt.Errorf("refresh credential %s unavailable: %w", s.secretRef, ErrReauthorizationRequired)
		}
		return nil, fmt.Errorf("read refresh credential: %w", err)
	}

	data := url.Values{}
	data.Set("client_id", s.clientID)
	data.Set("client_secret", s.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	// 400/401 from the token endpoint means the refresh credential itself is
	// no longer valid; anything else is a transient provider problem.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrReauthorizationRequired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh failed with status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access token")
	}

	// Persist a rotated refresh credential before returning the token. Some
	// providers don't rotate on refresh; an empty value must not wipe the
	// stored credential.
	if result.RefreshToken != "" && result.RefreshToken != refreshToken {
		if err := s.secrets.SetSecret(ctx, s.secretRef, result.RefreshToken); err != nil {
			return nil, fmt.Errorf("persist rotated refresh credential: %w", err)
		}
	}

	s.cached = &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	return s.cached, nil
}
