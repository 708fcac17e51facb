package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vitalsync/server/pkg/secrets"
)

const secretRef = "refresh-u1-googlefit"

// tokenEndpoint is a fake OAuth token endpoint that records the refresh
// tokens it was offered.
type tokenEndpoint struct {
	server   *httptest.Server
	status   int
	rotateTo string
	offered  []string
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	e := &tokenEndpoint{status: http.StatusOK}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		e.offered = append(e.offered, r.PostFormValue("refresh_token"))

		if e.status != http.StatusOK {
			w.WriteHeader(e.status)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-" + r.PostFormValue("refresh_token"),
			"refresh_token": e.rotateTo,
			"expires_in":    3600,
		})
	}))
	t.Cleanup(e.server.Close)
	return e
}

func newTestSource(t *testing.T, endpoint *tokenEndpoint) (*SecretTokenSource, *secrets.MemoryStore) {
	t.Helper()
	store := secrets.NewMemoryStore()
	if err := store.SetSecret(context.Background(), secretRef, "refresh-v1"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}
	source := NewSecretTokenSource(store, secretRef, endpoint.server.URL, "client-id", "client-secret", endpoint.server.Client())
	return source, store
}

func TestTokenRefreshesAndCaches(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	source, _ := newTestSource(t, endpoint)
	ctx := context.Background()

	token, err := source.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token.AccessToken != "access-refresh-v1" {
		t.Errorf("access token = %q, want one minted from the stored credential", token.AccessToken)
	}

	// Still valid: served from cache without another endpoint round trip.
	if _, err := source.Token(ctx); err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if len(endpoint.offered) != 1 {
		t.Errorf("token endpoint called %d times, want 1", len(endpoint.offered))
	}
}

func TestTokenPersistsRotatedCredential(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	endpoint.rotateTo = "refresh-v2"
	source, store := newTestSource(t, endpoint)
	ctx := context.Background()

	if _, err := source.Token(ctx); err != nil {
		t.Fatalf("Token: %v", err)
	}

	stored, err := store.GetSecret(ctx, secretRef)
	if err != nil {
		t.Fatalf("read secret: %v", err)
	}
	if stored != "refresh-v2" {
		t.Errorf("stored credential = %q, want the rotated value", stored)
	}

	// The next refresh must offer the rotated credential.
	if _, err := source.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if got := endpoint.offered[len(endpoint.offered)-1]; got != "refresh-v2" {
		t.Errorf("endpoint offered %q, want the rotated credential", got)
	}
}

func TestTokenRejectedCredentialRequiresReauthorization(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "bad request", status: http.StatusBadRequest},
		{name: "unauthorized", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := newTokenEndpoint(t)
			endpoint.status = tt.status
			source, _ := newTestSource(t, endpoint)

			_, err := source.Token(context.Background())
			if !errors.Is(err, ErrReauthorizationRequired) {
				t.Errorf("error = %v, want ErrReauthorizationRequired", err)
			}
		})
	}
}

func TestTokenServerErrorIsTransient(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	endpoint.status = http.StatusInternalServerError
	source, _ := newTestSource(t, endpoint)

	_, err := source.Token(context.Background())
	if err == nil {
		t.Fatal("Token succeeded against a 500 endpoint")
	}
	if errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("transient endpoint failure misclassified as revocation: %v", err)
	}
}

func TestTokenMissingCredentialRequiresReauthorization(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	store := secrets.NewMemoryStore()
	source := NewSecretTokenSource(store, secretRef, endpoint.server.URL, "client-id", "client-secret", endpoint.server.Client())

	_, err := source.Token(context.Background())
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("error = %v, want ErrReauthorizationRequired for a missing credential", err)
	}
	if len(endpoint.offered) != 0 {
		t.Error("token endpoint was called without a refresh credential")
	}
}

func TestTokenDeletedCredentialRequiresReauthorization(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	source, store := newTestSource(t, endpoint)
	ctx := context.Background()

	if err := store.DeleteSecret(ctx, secretRef); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	_, err := source.Token(ctx)
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Errorf("error = %v, want ErrReauthorizationRequired for a deleted credential", err)
	}
}

func TestTransportRetriesOnceAfter401(t *testing.T) {
	endpoint := newTokenEndpoint(t)
	source, _ := newTestSource(t, endpoint)

	var apiCalls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		// Reject the first access token; accept anything after a refresh.
		if apiCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("retried request missing Authorization header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	client := &http.Client{Transport: &Transport{Source: source, Base: api.Client().Transport}}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after the forced refresh retry", resp.StatusCode)
	}
	if apiCalls != 2 {
		t.Errorf("API called %d times, want exactly one retry", apiCalls)
	}
	// Initial refresh plus the forced one.
	if len(endpoint.offered) != 2 {
		t.Errorf("token endpoint called %d times, want 2", len(endpoint.offered))
	}
}
