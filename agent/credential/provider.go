// Package credential owns OAuth access tokens per (user, integration):
// cached until shortly before expiry, refreshed through the provider's token
// endpoint on demand.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

// Config points at the OAuth token endpoint shared by the integrations.
type Config struct {
	TokenURL     string        `envconfig:"TOKEN_URL" split_words:"true" required:"true"`
	ClientID     string        `envconfig:"CLIENT_ID" split_words:"true" required:"true"`
	ClientSecret string        `envconfig:"CLIENT_SECRET" split_words:"true" required:"true"`
	ExpiryBuffer time.Duration `envconfig:"EXPIRY_BUFFER" split_words:"true" default:"60s"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// OAuthProvider implements contract.CredentialProvider against a standard
// refresh-token grant. Tokens are cached per (user, integration) and treated
// as expired ExpiryBuffer before their real deadline so in-flight calls
// never carry a token about to lapse.
type OAuthProvider struct {
	cfg        Config
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]contractx.Credential

	now func() time.Time
}

func NewOAuthProvider(cfg Config) (*OAuthProvider, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if _, err := url.ParseRequestURI(tokenURL); err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = 60 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuthProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[string]contractx.Credential),
		now:        time.Now,
	}, nil
}

// WithHTTPClient overrides the transport. Test hook.
func (p *OAuthProvider) WithHTTPClient(client *http.Client) *OAuthProvider {
	if client != nil {
		p.httpClient = client
	}
	return p
}

func cacheKey(userID, integration string) string {
	return userID + "/" + integration
}

// GetCredential returns the cached token or ErrCredentialExpired when a
// refresh is needed.
func (p *OAuthProvider) GetCredential(ctx context.Context, userID, integration string) (contractx.Credential, error) {
	p.mu.RLock()
	cred, ok := p.cache[cacheKey(userID, integration)]
	p.mu.RUnlock()

	if !ok || !cred.Valid(p.now().Add(p.cfg.ExpiryBuffer)) {
		return contractx.Credential{}, contractx.ErrCredentialExpired
	}
	return cred, nil
}

// RefreshCredential exchanges the client credentials for a fresh token and
// caches it. A non-2xx response is ErrRefreshFailed: the owning user must
// re-authenticate through the OAuth UX.
func (p *OAuthProvider) RefreshCredential(ctx context.Context, userID, integration string) (contractx.Credential, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
		"user_id":       userID,
		"integration":   integration,
	})
	if err != nil {
		return contractx.Credential{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return contractx.Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return contractx.Credential{}, fmt.Errorf("%w: %v", contractx.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return contractx.Credential{}, fmt.Errorf("%w: read token response: %v", contractx.ErrRefreshFailed, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Warn().
			Str("integration", integration).
			Int("status", resp.StatusCode).
			Msg("credential refresh rejected, re-authentication required")
		return contractx.Credential{}, fmt.Errorf("%w: token endpoint status=%d", contractx.ErrRefreshFailed, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return contractx.Credential{}, fmt.Errorf("%w: decode token response: %v", contractx.ErrRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		return contractx.Credential{}, fmt.Errorf("%w: empty access token", contractx.ErrRefreshFailed)
	}

	cred := contractx.Credential{
		Token:     tok.AccessToken,
		ExpiresAt: p.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	p.mu.Lock()
	p.cache[cacheKey(userID, integration)] = cred
	p.mu.Unlock()
	return cred, nil
}

// Static returns a provider that hands out one fixed, never-expiring token.
// Useful for integrations authenticated by API key and for tests.
type Static struct {
	Token string
}

func (s Static) GetCredential(ctx context.Context, userID, integration string) (contractx.Credential, error) {
	return contractx.Credential{Token: s.Token}, nil
}

func (s Static) RefreshCredential(ctx context.Context, userID, integration string) (contractx.Credential, error) {
	return contractx.Credential{Token: s.Token}, nil
}
