package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

// Config tunes the resilience envelope applied to every integration call.
type Config struct {
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BaseDelay        time.Duration `envconfig:"BASE_DELAY" split_words:"true" default:"200ms"`
	MaxDelay         time.Duration `envconfig:"MAX_DELAY" split_words:"true" default:"10s"`
	AttemptTimeout   time.Duration `envconfig:"ATTEMPT_TIMEOUT" split_words:"true" default:"10s"`
	BreakerThreshold int           `envconfig:"BREAKER_THRESHOLD" split_words:"true" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" split_words:"true" default:"30s"`
	UserID           string        `envconfig:"USER_ID" split_words:"true" default:"pipeline"`
}

// Invocation is one attempt against an integration, recorded for
// observability. Attempt numbers are bounded by Config.MaxAttempts.
type Invocation struct {
	Integration    string                `json:"integration"`
	Operation      string                `json:"operation"`
	Attempt        int                   `json:"attempt"`
	Outcome        contractx.ToolOutcome `json:"outcome"`
	Latency        time.Duration         `json:"latency"`
	StartedAt      time.Time             `json:"started_at"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

// Recorder persists invocations. Failures to record never fail the call.
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
}

// NoopRecorder discards invocations.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, Invocation) error { return nil }

// IntegrationError is the typed failure surfaced to the orchestrator. It
// carries the integration name so the condition renders upward as
// "could not connect to {integration}" rather than a raw stack trace.
type IntegrationError struct {
	Integration string
	Attempts    int
	Err         error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("could not connect to %s: %v", e.Integration, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// Gateway multiplexes named integrations behind one resilient invocation
// point.
type Gateway struct {
	cfg      Config
	creds    contractx.CredentialProvider
	recorder Recorder

	mu           sync.RWMutex
	integrations map[string]contractx.Integration
	breakers     map[string]*Breaker

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

func New(cfg Config, creds contractx.CredentialProvider, recorder Recorder, integrations ...contractx.Integration) (*Gateway, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if recorder == nil {
		recorder = NoopRecorder{}
	}

	g := &Gateway{
		cfg:          cfg,
		creds:        creds,
		recorder:     recorder,
		integrations: make(map[string]contractx.Integration, len(integrations)),
		breakers:     make(map[string]*Breaker, len(integrations)),
		now:          time.Now,
		sleep:        sleepCtx,
		jitter:       fullJitter,
	}
	for _, integ := range integrations {
		if integ == nil {
			continue
		}
		name := strings.TrimSpace(integ.Name())
		if name == "" {
			return nil, fmt.Errorf("%w: integration with empty name", contractx.ErrValidation)
		}
		if _, dup := g.integrations[name]; dup {
			return nil, fmt.Errorf("%w: duplicate integration %q", contractx.ErrValidation, name)
		}
		g.integrations[name] = integ
		g.breakers[name] = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, 8*cfg.BreakerCooldown)
	}
	return g, nil
}

// Integrations lists the registered integration names.
func (g *Gateway) Integrations() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.integrations))
	for name := range g.integrations {
		names = append(names, name)
	}
	return names
}

// BreakerState exposes the circuit position of one integration.
func (g *Gateway) BreakerState(integration string) (BreakerState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.breakers[integration]
	if !ok {
		return "", false
	}
	return b.State(), true
}

// Invoke executes one logical operation with the full resilience envelope:
// breaker admission, credential check/refresh, bounded retries with
// exponential backoff and jitter, and per-attempt invocation records. The
// idempotencyKey is forwarded to the integration so retried calls that did
// partially succeed upstream are not double-applied.
func (g *Gateway) Invoke(ctx context.Context, integration, operation string, args map[string]any, idempotencyKey string) (contractx.ToolResult, error) {
	g.mu.RLock()
	integ, ok := g.integrations[integration]
	breaker := g.breakers[integration]
	g.mu.RUnlock()
	if !ok {
		return permanentResult(integration, operation, 0, fmt.Errorf("%w: unknown integration %q", contractx.ErrPermanent, integration))
	}

	if !breaker.Allow(g.now()) {
		err := &IntegrationError{Integration: integration, Err: contractx.ErrCircuitOpen}
		return contractx.ToolResult{
			Integration: integration,
			Operation:   operation,
			Outcome:     contractx.OutcomePermanentError,
			Error:       err.Error(),
		}, err
	}

	cred, err := g.credential(ctx, integration)
	if err != nil {
		breaker.Failure(g.now())
		return permanentResult(integration, operation, 0, err)
	}

	if idempotencyKey != "" {
		if args == nil {
			args = make(map[string]any, 1)
		}
		args["idempotency_key"] = idempotencyKey
	}

	delay := g.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		started := g.now()
		actx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		payload, callErr := integ.Invoke(actx, operation, args, cred)
		cancel()
		latency := g.now().Sub(started)

		outcome := classify(callErr)
		g.record(ctx, Invocation{
			Integration:    integration,
			Operation:      operation,
			Attempt:        attempt,
			Outcome:        outcome,
			Latency:        latency,
			StartedAt:      started,
			IdempotencyKey: idempotencyKey,
		})

		switch outcome {
		case contractx.OutcomeSuccess:
			breaker.Success()
			return contractx.ToolResult{
				Integration: integration,
				Operation:   operation,
				Outcome:     contractx.OutcomeSuccess,
				Payload:     payload,
				Attempts:    attempt,
			}, nil

		case contractx.OutcomePermanentError:
			breaker.Failure(g.now())
			return permanentResult(integration, operation, attempt, callErr)
		}

		lastErr = callErr
		if attempt == g.cfg.MaxAttempts {
			break
		}

		log.Warn().
			Str("integration", integration).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(callErr).
			Msg("transient integration failure, backing off")

		if err := g.sleep(ctx, g.jitter(delay)); err != nil {
			breaker.Failure(g.now())
			return permanentResult(integration, operation, attempt, fmt.Errorf("%w: %v", contractx.ErrRetriesExhausted, err))
		}
		delay = minDuration(2*delay, g.cfg.MaxDelay)
	}

	breaker.Failure(g.now())
	return permanentResult(integration, operation, g.cfg.MaxAttempts,
		fmt.Errorf("%w after %d attempts: %v", contractx.ErrRetriesExhausted, g.cfg.MaxAttempts, lastErr))
}

// credential resolves a usable token, refreshing once when expired. A
// refresh failure is permanent for this call.
func (g *Gateway) credential(ctx context.Context, integration string) (contractx.Credential, error) {
	if g.creds == nil {
		return contractx.Credential{}, nil
	}
	cred, err := g.creds.GetCredential(ctx, g.cfg.UserID, integration)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, contractx.ErrCredentialExpired) {
		return contractx.Credential{}, fmt.Errorf("%w: %v", contractx.ErrPermanent, err)
	}
	cred, err = g.creds.RefreshCredential(ctx, g.cfg.UserID, integration)
	if err != nil {
		return contractx.Credential{}, fmt.Errorf("%w: %v", contractx.ErrRefreshFailed, err)
	}
	return cred, nil
}

func (g *Gateway) record(ctx context.Context, inv Invocation) {
	if err := g.recorder.Record(ctx, inv); err != nil {
		log.Warn().Err(err).Str("integration", inv.Integration).Msg("failed to record tool invocation")
	}
}

// classify maps a call error to the bounded outcome set. Deadline and
// cancellation on the attempt context count as transient so a hang is
// retried instead of propagated.
func classify(err error) contractx.ToolOutcome {
	switch {
	case err == nil:
		return contractx.OutcomeSuccess
	case errors.Is(err, contractx.ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return contractx.OutcomeTransientError
	default:
		return contractx.OutcomePermanentError
	}
}

func permanentResult(integration, operation string, attempts int, err error) (contractx.ToolResult, error) {
	ierr := &IntegrationError{Integration: integration, Attempts: attempts, Err: err}
	return contractx.ToolResult{
		Integration: integration,
		Operation:   operation,
		Outcome:     contractx.OutcomePermanentError,
		Error:       ierr.Error(),
		Attempts:    attempts,
	}, ierr
}

// sleepCtx waits on a timer, never a blocking sleep on a shared worker.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fullJitter keeps the doubling trend while spreading concurrent retries:
// the delay lands in [d/2, d).
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
