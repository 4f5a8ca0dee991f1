// Package integration provides the concrete external services the gateway
// multiplexes: CRM, calendar, email, social messaging, and the LLM provider.
// Each exposes a finite catalog of named operations; every failure is
// classified transient or permanent before it leaves the package.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

const maxResponseSizeBytes = 2 << 20

// Operation is one named call of a REST integration.
type Operation struct {
	Method string
	Path   string
}

// RESTConfig configures one HTTP-backed integration endpoint.
type RESTConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

// REST is a generic JSON-over-HTTP integration. Credentials ride as bearer
// tokens; non-2xx statuses are classified by classifyStatus.
type REST struct {
	name       string
	baseURL    string
	httpClient *http.Client
	ops        map[string]Operation
}

func NewREST(name string, cfg RESTConfig, ops map[string]Operation) (*REST, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("integration name is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required for integration %s", name)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url for integration %s: %w", name, err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("integration %s has no operations", name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &REST{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		ops:        ops,
	}, nil
}

// WithHTTPClient overrides the transport. Test hook.
func (r *REST) WithHTTPClient(client *http.Client) *REST {
	if client != nil {
		r.httpClient = client
	}
	return r
}

func (r *REST) Name() string { return r.name }

// Invoke executes one cataloged operation. Unknown operations are permanent
// errors: retrying cannot make them exist.
func (r *REST) Invoke(ctx context.Context, operation string, args map[string]any, cred contractx.Credential) ([]byte, error) {
	op, ok := r.ops[operation]
	if !ok {
		return nil, fmt.Errorf("%w: integration %s has no operation %q", contractx.ErrPermanent, r.name, operation)
	}

	var body io.Reader
	if len(args) > 0 && op.Method != http.MethodGet {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal args for %s.%s: %v", contractx.ErrPermanent, r.name, operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, r.baseURL+op.Path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s.%s: %v", contractx.ErrPermanent, r.name, operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	if key, ok := args["idempotency_key"].(string); ok && key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// Network-level failures are retryable by definition.
		return nil, fmt.Errorf("%w: %s.%s: %v", contractx.ErrTransient, r.name, operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s.%s response: %v", contractx.ErrTransient, r.name, operation, err)
	}

	if class := classifyStatus(resp.StatusCode); class != nil {
		return nil, fmt.Errorf("%w: %s.%s http status=%d body=%s", class, r.name, operation, resp.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

// classifyStatus maps an HTTP status to the error class. Rate limits and
// server errors are transient; other 4xx are permanent; 2xx is success.
func classifyStatus(status int) error {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return contractx.ErrTransient
	default:
		return contractx.ErrPermanent
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
