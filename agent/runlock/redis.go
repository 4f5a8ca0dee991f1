package runlock

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

	"github.com/google/uuid"
)

const (
	defaultLockKeyPrefix = "leadflow:runlock:"
	maxResponseSizeBytes = 1 << 20
)

// releaseScript deletes the lock only if this holder's token still owns it,
// so a run that outlived its TTL cannot free a successor's lock.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// RedisConfig points at an Upstash-compatible Redis REST endpoint.
type RedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// RedisLocker implements Locker on Redis SET NX EX via the REST protocol.
type RedisLocker struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// LockOption customizes RedisLocker.
type LockOption func(*RedisLocker)

func WithKeyPrefix(prefix string) LockOption {
	return func(l *RedisLocker) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.keyPrefix = trimmed
		}
	}
}

func WithHTTPClient(client *http.Client) LockOption {
	return func(l *RedisLocker) {
		if client != nil {
			l.httpClient = client
		}
	}
}

func NewRedisLocker(cfg RedisConfig, opts ...LockOption) (*RedisLocker, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("redis rest url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("redis rest token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	locker := &RedisLocker{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultLockKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}
	return locker, nil
}

// Acquire takes the lead's lock with SET NX EX. A nil result from Redis
// means another holder owns the key.
func (l *RedisLocker) Acquire(ctx context.Context, leadID string, ttl time.Duration) (Release, error) {
	if strings.TrimSpace(leadID) == "" {
		return nil, errors.New("lead id is empty")
	}
	key := l.keyPrefix + leadID
	holder := uuid.NewString()

	resp, err := l.exec(ctx, []any{"SET", key, holder, "NX", "EX", ttlSeconds(ttl)})
	if err != nil {
		return nil, err
	}
	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		_, err := l.exec(ctx, []any{"EVAL", releaseScript, 1, key, holder})
		return err
	}
	return release, nil
}

func (l *RedisLocker) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
