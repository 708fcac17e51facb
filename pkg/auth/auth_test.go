package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// identityProvider is a fake OIDC provider serving a discovery document and a
// JWKS for one RSA signing key.
type identityProvider struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	kid    string
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	p := &identityProvider{key: key, kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   p.server.URL,
			"jwks_uri": p.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		pub := &key.PublicKey
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": p.kid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *identityProvider) issuer() string {
	return p.server.URL
}

// sign issues a token with this provider's key. A different key may be passed
// to produce a token whose signature will not verify.
func (p *identityProvider) sign(t *testing.T, claims jwt.MapClaims, key *rsa.PrivateKey) string {
	t.Helper()
	if key == nil {
		key = p.key
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T, p *identityProvider, audience string) *Validator {
	t.Helper()
	registry := BuildIssuerMap(context.Background(), testLogger(), p.server.Client(), []string{p.server.URL})
	if registry.Len() != 1 {
		t.Fatalf("registry has %d issuers, want 1", registry.Len())
	}
	return NewValidator(registry, audience, p.server.Client(), testLogger())
}

func TestValidateAcceptsSignedToken(t *testing.T) {
	p := newIdentityProvider(t)
	v := newTestValidator(t, p, "api://sync")

	raw := p.sign(t, jwt.MapClaims{
		"iss": p.issuer(),
		"aud": "api://sync",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, nil)

	if !v.Validate(context.Background(), []string{"Bearer " + raw}) {
		t.Error("Validate = false for a correctly signed token")
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	p := newIdentityProvider(t)
	v := newTestValidator(t, p, "api://sync")

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	expired := p.sign(t, jwt.MapClaims{
		"iss": p.issuer(),
		"aud": "api://sync",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, nil)
	wrongAudience := p.sign(t, jwt.MapClaims{
		"iss": p.issuer(),
		"aud": "api://other",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, nil)
	forged := p.sign(t, jwt.MapClaims{
		"iss": p.issuer(),
		"aud": "api://sync",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, otherKey)

	unknownIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "https://not-registered.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	tests := []struct {
		name          string
		authorization []string
	}{
		{name: "no header", authorization: nil},
		{name: "duplicate headers", authorization: []string{"Bearer a", "Bearer b"}},
		{name: "wrong scheme", authorization: []string{"Basic dXNlcjpwYXNz"}},
		{name: "not a jwt", authorization: []string{"Bearer not-a-jwt"}},
		{name: "no issuer claim", authorization: []string{"Bearer " + signWithoutIssuer(t)}},
		{name: "unknown issuer", authorization: []string{"Bearer " + unknownIssuer}},
		{name: "expired", authorization: []string{"Bearer " + expired}},
		{name: "wrong audience", authorization: []string{"Bearer " + wrongAudience}},
		{name: "forged signature", authorization: []string{"Bearer " + forged}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v.Validate(context.Background(), tt.authorization) {
				t.Error("Validate = true, want false")
			}
		})
	}
}

func signWithoutIssuer(t *testing.T) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestValidateAudienceOptional(t *testing.T) {
	p := newIdentityProvider(t)
	v := newTestValidator(t, p, "")

	raw := p.sign(t, jwt.MapClaims{
		"iss": p.issuer(),
		"aud": "api://whatever",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, nil)

	if !v.Validate(context.Background(), []string{"Bearer " + raw}) {
		t.Error("Validate = false with audience checking disabled")
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
		ok     bool
	}{
		{name: "standard", values: []string{"Bearer abc.def.ghi"}, want: "abc.def.ghi", ok: true},
		{name: "lowercase scheme", values: []string{"bearer tok"}, want: "tok", ok: true},
		{name: "mixed case scheme", values: []string{"BeArEr tok"}, want: "tok", ok: true},
		{name: "surrounding whitespace", values: []string{"  Bearer tok  "}, want: "tok", ok: true},
		{name: "empty", values: nil, ok: false},
		{name: "duplicate", values: []string{"Bearer a", "Bearer b"}, ok: false},
		{name: "scheme only", values: []string{"Bearer"}, ok: false},
		{name: "scheme with empty token", values: []string{"Bearer   "}, ok: false},
		{name: "no separator", values: []string{"Bearertok"}, ok: false},
		{name: "different scheme", values: []string{"Basic tok"}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractBearer(tt.values)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractBearer(%v) = (%q, %v), want (%q, %v)", tt.values, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBuildIssuerMapExcludesUnreachableProviders(t *testing.T) {
	good := newIdentityProvider(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	registry := BuildIssuerMap(context.Background(), testLogger(), nil, []string{
		broken.URL,
		good.server.URL,
		"http://127.0.0.1:1/unreachable",
	})

	if registry.Len() != 1 {
		t.Fatalf("registry has %d issuers, want only the reachable one", registry.Len())
	}
	if _, ok := registry.Lookup(good.issuer()); !ok {
		t.Error("reachable provider missing from the registry")
	}
}

func TestAnonymousIdentity(t *testing.T) {
	tests := []struct {
		name      string
		query     url.Values
		wantErr   bool
		wantID    string
		wantSystm string
	}{
		{
			name:      "both present",
			query:     url.Values{"external_id": {"p-42"}, "external_system": {"clinic"}},
			wantID:    "p-42",
			wantSystm: "clinic",
		},
		{name: "missing id", query: url.Values{"external_system": {"clinic"}}, wantErr: true},
		{name: "missing system", query: url.Values{"external_id": {"p-42"}}, wantErr: true},
		{name: "missing both", query: url.Values{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := AnonymousIdentity(tt.query)
			if tt.wantErr {
				var clientErr *ClientError
				if !errors.As(err, &clientErr) {
					t.Fatalf("error = %v, want *ClientError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AnonymousIdentity: %v", err)
			}
			if id.ExternalID != tt.wantID || id.ExternalSystem != tt.wantSystm {
				t.Errorf("identity = %+v, want (%q, %q)", id, tt.wantID, tt.wantSystm)
			}
		})
	}
}
