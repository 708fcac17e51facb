package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const bearerScheme = "bearer"

// Validator resolves bearer tokens to a trusted issuer and verifies them.
// Malformed or unverifiable tokens are simply "not validated"; Validate never
// panics and never returns an error for bad input.
type Validator struct {
	registry *IssuerRegistry
	audience string
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	jwks map[string]*keyfunc.JWKS // signing-key cache per issuer
}

// NewValidator builds a validator over an immutable issuer registry.
// audience is matched against the token's aud claim when non-empty.
func NewValidator(registry *IssuerRegistry, audience string, client *http.Client, logger *slog.Logger) *Validator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Validator{
		registry: registry,
		audience: audience,
		client:   client,
		logger:   logger.With("component", "auth"),
		jwks:     make(map[string]*keyfunc.JWKS),
	}
}

// Validate checks the Authorization header values of an inbound request.
// It fails when the header is absent or duplicated, when the bearer token's
// issuer is unknown, or when signature, audience, issuer or expiry do not
// verify.
func (v *Validator) Validate(ctx context.Context, authorization []string) bool {
	raw, ok := extractBearer(authorization)
	if !ok {
		return false
	}

	// Read the issuer claim without verifying; the signature check happens
	// below against that issuer's keys.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		v.logger.Debug("Token parse failed", "error", err)
		return false
	}
	iss, _ := claims["iss"].(string)
	if iss == "" {
		return false
	}

	issuer, ok := v.registry.Lookup(iss)
	if !ok {
		v.logger.Debug("Token from unknown issuer", "issuer", iss)
		return false
	}

	keys, err := v.signingKeys(ctx, issuer)
	if err != nil {
		v.logger.Warn("Failed to fetch signing keys", "issuer", iss, "error", err)
		return false
	}

	token, err := jwt.Parse(raw, keys.Keyfunc)
	if err != nil || !token.Valid {
		v.logger.Debug("Token verification failed", "issuer", iss, "error", err)
		return false
	}

	verified, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	if !verified.VerifyIssuer(issuer.Issuer, true) {
		return false
	}
	if v.audience != "" && !verified.VerifyAudience(v.audience, true) {
		return false
	}

	return true
}

// signingKeys fetches and caches the JWKS for an issuer. keyfunc refreshes
// keys on unknown key IDs so rotations are picked up without a restart.
func (v *Validator) signingKeys(ctx context.Context, issuer Issuer) (*keyfunc.JWKS, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if keys, ok := v.jwks[issuer.Issuer]; ok {
		return keys, nil
	}

	keys, err := keyfunc.Get(issuer.JWKSURI, keyfunc.Options{
		Ctx:               ctx,
		Client:            v.client,
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshRateLimit:  time.Minute,
		RefreshErrorHandler: func(err error) {
			v.logger.Warn("JWKS refresh failed", "issuer", issuer.Issuer, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}

	v.jwks[issuer.Issuer] = keys
	return keys, nil
}

// extractBearer pulls the bearer token out of the Authorization values using
// case-insensitive scheme matching. Exactly one Authorization value must be
// present.
func extractBearer(authorization []string) (string, bool) {
	if len(authorization) != 1 {
		return "", false
	}

	value := strings.TrimSpace(authorization[0])
	if len(value) <= len(bearerScheme) {
		return "", false
	}
	if !strings.EqualFold(value[:len(bearerScheme)], bearerScheme) {
		return "", false
	}

	rest := value[len(bearerScheme):]
	if !strings.HasPrefix(rest, " ") {
		return "", false
	}
	token := strings.TrimSpace(rest)
	if token == "" {
		return "", false
	}
	return token, true
}
