// Package auth validates inbound bearer tokens against a set of trusted
// identity providers discovered at startup.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const discoveryPath = "/.well-known/openid-configuration"

// Issuer is one trusted identity provider, resolved from its discovery
// document and indexed by the issuer claim it reports.
type Issuer struct {
	Issuer  string
	JWKSURI string
}

// IssuerRegistry maps issuer claims to their discovery data. It is built once
// during initialization and never mutated afterwards; lookups need no lock.
type IssuerRegistry struct {
	byIssuer map[string]Issuer
}

// Lookup resolves an issuer claim to its registered provider.
func (r *IssuerRegistry) Lookup(iss string) (Issuer, bool) {
	p, ok := r.byIssuer[iss]
	return p, ok
}

// Len returns the number of registered issuers.
func (r *IssuerRegistry) Len() int {
	return len(r.byIssuer)
}

// BuildIssuerMap queries each configured provider's discovery document and
// indexes it by the issuer claim the document reports. A provider that cannot
// be reached is logged and excluded; it is not fatal to the others.
func BuildIssuerMap(ctx context.Context, logger *slog.Logger, client *http.Client, endpoints []string) *IssuerRegistry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	byIssuer := make(map[string]Issuer, len(endpoints))
	for _, endpoint := range endpoints {
		issuer, err := fetchDiscovery(ctx, client, endpoint)
		if err != nil {
			logger.Warn("Excluding unreachable identity provider", "endpoint", endpoint, "error", err)
			continue
		}
		byIssuer[issuer.Issuer] = issuer
		logger.Info("Registered identity provider", "issuer", issuer.Issuer)
	}

	return &IssuerRegistry{byIssuer: byIssuer}
}

func fetchDiscovery(ctx context.Context, client *http.Client, endpoint string) (Issuer, error) {
	url := strings.TrimSuffix(endpoint, "/") + discoveryPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Issuer{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return Issuer{}, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Issuer{}, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Issuer{}, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.Issuer == "" || doc.JWKSURI == "" {
		return Issuer{}, fmt.Errorf("discovery document missing issuer or jwks_uri")
	}

	return Issuer{Issuer: doc.Issuer, JWKSURI: doc.JWKSURI}, nil
}
