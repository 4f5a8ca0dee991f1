package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

func newTokenServer(t *testing.T, token string, expiresIn int64, status int) (*httptest.Server, *[]map[string]string) {
	t.Helper()
	var requests []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		requests = append(requests, body)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newProvider(t *testing.T, tokenURL string) *OAuthProvider {
	t.Helper()
	p, err := NewOAuthProvider(Config{
		TokenURL:     tokenURL,
		ClientID:     "client",
		ClientSecret: "secret",
		ExpiryBuffer: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewOAuthProvider: %v", err)
	}
	return p
}

func TestGetCredentialColdCacheExpired(t *testing.T) {
	t.Parallel()

	p := newProvider(t, "http://localhost/token")
	_, err := p.GetCredential(context.Background(), "u1", "crm")
	if !errors.Is(err, contractx.ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
}

func TestRefreshCredentialCachesToken(t *testing.T) {
	t.Parallel()

	srv, requests := newTokenServer(t, "tok-1", 3600, http.StatusOK)
	p := newProvider(t, srv.URL)

	cred, err := p.RefreshCredential(context.Background(), "u1", "crm")
	if err != nil {
		t.Fatalf("RefreshCredential: %v", err)
	}
	if cred.Token != "tok-1" {
		t.Fatalf("token = %q, want tok-1", cred.Token)
	}
	if got := (*requests)[0]["integration"]; got != "crm" {
		t.Fatalf("integration in request = %q, want crm", got)
	}

	got, err := p.GetCredential(context.Background(), "u1", "crm")
	if err != nil {
		t.Fatalf("GetCredential after refresh: %v", err)
	}
	if got.Token != "tok-1" {
		t.Fatalf("cached token = %q, want tok-1", got.Token)
	}
	if len(*requests) != 1 {
		t.Fatalf("token endpoint called %d times, want 1", len(*requests))
	}
}

func TestGetCredentialHonorsExpiryBuffer(t *testing.T) {
	t.Parallel()

	srv, _ := newTokenServer(t, "tok-1", 90, http.StatusOK)
	p := newProvider(t, srv.URL)

	base := time.Now()
	p.now = func() time.Time { return base }
	if _, err := p.RefreshCredential(context.Background(), "u1", "crm"); err != nil {
		t.Fatalf("RefreshCredential: %v", err)
	}

	// Token lives 90s, buffer is 60s. At +40s the remaining lifetime is
	// inside the buffer and the cached entry must be treated as expired.
	p.now = func() time.Time { return base.Add(40 * time.Second) }
	_, err := p.GetCredential(context.Background(), "u1", "crm")
	if !errors.Is(err, contractx.ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired inside buffer", err)
	}

	p.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, err := p.GetCredential(context.Background(), "u1", "crm"); err != nil {
		t.Fatalf("GetCredential outside buffer: %v", err)
	}
}

func TestRefreshCredentialRejected(t *testing.T) {
	t.Parallel()

	srv, _ := newTokenServer(t, "", 0, http.StatusUnauthorized)
	p := newProvider(t, srv.URL)

	_, err := p.RefreshCredential(context.Background(), "u1", "crm")
	if !errors.Is(err, contractx.ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
}

func TestCredentialsIsolatedPerUserAndIntegration(t *testing.T) {
	t.Parallel()

	srv, _ := newTokenServer(t, "tok-1", 3600, http.StatusOK)
	p := newProvider(t, srv.URL)

	if _, err := p.RefreshCredential(context.Background(), "u1", "crm"); err != nil {
		t.Fatalf("RefreshCredential: %v", err)
	}
	if _, err := p.GetCredential(context.Background(), "u1", "calendar"); !errors.Is(err, contractx.ErrCredentialExpired) {
		t.Fatalf("other integration should be cold, got %v", err)
	}
	if _, err := p.GetCredential(context.Background(), "u2", "crm"); !errors.Is(err, contractx.ErrCredentialExpired) {
		t.Fatalf("other user should be cold, got %v", err)
	}
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	s := Static{Token: "api-key"}
	cred, err := s.GetCredential(context.Background(), "u1", "crm")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.Token != "api-key" {
		t.Fatalf("token = %q, want api-key", cred.Token)
	}
	if !cred.Valid(time.Now().Add(24 * time.Hour)) {
		t.Fatal("static credential should never expire")
	}
}
