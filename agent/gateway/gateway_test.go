package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

type fakeIntegration struct {
	name  string
	mu    sync.Mutex
	calls int
	// script returns the error for call n (1-based); nil payload on success.
	script func(call int) error
}

func (f *fakeIntegration) Name() string { return f.name }

func (f *fakeIntegration) Invoke(ctx context.Context, op string, args map[string]any, cred contractx.Credential) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if err := f.script(n); err != nil {
		return nil, err
	}
	return []byte(`{"ok":true}`), nil
}

func (f *fakeIntegration) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu   sync.Mutex
	invs []Invocation
}

func (r *fakeRecorder) Record(ctx context.Context, inv Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invs = append(r.invs, inv)
	return nil
}

func (r *fakeRecorder) outcomes() []contractx.ToolOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contractx.ToolOutcome, 0, len(r.invs))
	for _, inv := range r.invs {
		out = append(out, inv.Outcome)
	}
	return out
}

type fakeCreds struct {
	cred        contractx.Credential
	getErr      error
	refreshErr  error
	refreshed   int
	refreshCred contractx.Credential
}

func (f *fakeCreds) GetCredential(ctx context.Context, userID, integration string) (contractx.Credential, error) {
	if f.getErr != nil {
		return contractx.Credential{}, f.getErr
	}
	return f.cred, nil
}

func (f *fakeCreds) RefreshCredential(ctx context.Context, userID, integration string) (contractx.Credential, error) {
	f.refreshed++
	if f.refreshErr != nil {
		return contractx.Credential{}, f.refreshErr
	}
	return f.refreshCred, nil
}

func transientErr(msg string) error {
	return fmt.Errorf("%w: %s", contractx.ErrTransient, msg)
}

func newTestGateway(t *testing.T, cfg Config, rec Recorder, creds contractx.CredentialProvider, integs ...contractx.Integration) *Gateway {
	t.Helper()
	g, err := New(cfg, creds, rec, integs...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Deterministic, instant retries for tests.
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	g.jitter = func(d time.Duration) time.Duration { return d }
	return g
}

func TestInvokeTransientThenSuccess(t *testing.T) {
	t.Parallel()

	integ := &fakeIntegration{name: "crm", script: func(call int) error {
		if call < 3 {
			return transientErr("503")
		}
		return nil
	}}
	rec := &fakeRecorder{}
	g := newTestGateway(t, Config{MaxAttempts: 3}, rec, nil, integ)

	var delays []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := g.Invoke(context.Background(), "crm", "createRecord", nil, "idem-1")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Outcome != contractx.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", res.Outcome)
	}
	if res.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", res.Attempts)
	}

	want := []contractx.ToolOutcome{
		contractx.OutcomeTransientError,
		contractx.OutcomeTransientError,
		contractx.OutcomeSuccess,
	}
	got := rec.outcomes()
	if len(got) != len(want) {
		t.Fatalf("recorded %d invocations, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("invocation %d outcome = %s, want %s", i, got[i], want[i])
		}
	}

	// Backoff strictly increases between attempts.
	if len(delays) != 2 {
		t.Fatalf("slept %d times, want 2", len(delays))
	}
	if delays[1] <= delays[0] {
		t.Fatalf("backoff not increasing: %v then %v", delays[0], delays[1])
	}
}

func TestInvokeRetriesExhausted(t *testing.T) {
	t.Parallel()

	integ := &fakeIntegration{name: "calendar", script: func(int) error {
		return transientErr("timeout")
	}}
	rec := &fakeRecorder{}
	g := newTestGateway(t, Config{MaxAttempts: 3}, rec, nil, integ)

	res, err := g.Invoke(context.Background(), "calendar", "listSlots", nil, "")
	if !errors.Is(err, contractx.ErrRetriesExhausted) {
		t.Fatalf("Invoke() error = %v, want ErrRetriesExhausted", err)
	}

	var ierr *IntegrationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error %v is not an *IntegrationError", err)
	}
	if ierr.Integration != "calendar" {
		t.Fatalf("IntegrationError.Integration = %s, want calendar", ierr.Integration)
	}

	if res.Outcome != contractx.OutcomePermanentError {
		t.Fatalf("Outcome = %s, want permanent_error", res.Outcome)
	}
	got := rec.outcomes()
	if len(got) != 3 {
		t.Fatalf("recorded %d invocations, want 3", len(got))
	}
	for i, o := range got {
		if o != contractx.OutcomeTransientError {
			t.Fatalf("invocation %d outcome = %s, want transient_error", i, o)
		}
	}
}

func TestInvokePermanentFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	integ := &fakeIntegration{name: "email", script: func(int) error {
		return fmt.Errorf("%w: 401 unauthorized", contractx.ErrPermanent)
	}}
	g := newTestGateway(t, Config{MaxAttempts: 3}, nil, nil, integ)

	_, err := g.Invoke(context.Background(), "email", "send", nil, "")
	if !errors.Is(err, contractx.ErrPermanent) {
		t.Fatalf("Invoke() error = %v, want ErrPermanent", err)
	}
	if integ.callCount() != 1 {
		t.Fatalf("call count = %d, want 1 (no retry on permanent)", integ.callCount())
	}
}

func TestInvokeCircuitOpenMakesZeroAttempts(t *testing.T) {
	t.Parallel()

	integ := &fakeIntegration{name: "crm", script: func(int) error {
		return fmt.Errorf("%w: down", contractx.ErrPermanent)
	}}
	g := newTestGateway(t, Config{MaxAttempts: 1, BreakerThreshold: 2, BreakerCooldown: time.Minute}, nil, nil, integ)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = g.Invoke(ctx, "crm", "createRecord", nil, "")
	}
	if state, _ := g.BreakerState("crm"); state != BreakerOpen {
		t.Fatalf("breaker state = %s, want open", state)
	}

	before := integ.callCount()
	_, err := g.Invoke(ctx, "crm", "createRecord", nil, "")
	if !errors.Is(err, contractx.ErrCircuitOpen) {
		t.Fatalf("Invoke() error = %v, want ErrCircuitOpen", err)
	}
	if integ.callCount() != before {
		t.Fatalf("open circuit made %d network attempts, want 0", integ.callCount()-before)
	}
}

func TestInvokeRefreshesExpiredCredential(t *testing.T) {
	t.Parallel()

	integ := &fakeIntegration{name: "crm", script: func(int) error { return nil }}
	creds := &fakeCreds{
		getErr:      contractx.ErrCredentialExpired,
		refreshCred: contractx.Credential{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)},
	}
	g := newTestGateway(t, Config{}, nil, creds, integ)

	_, err := g.Invoke(context.Background(), "crm", "createRecord", nil, "")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if creds.refreshed != 1 {
		t.Fatalf("refreshed = %d, want 1", creds.refreshed)
	}
}

func TestInvokeRefreshFailureIsPermanent(t *testing.T) {
	t.Parallel()

	integ := &fakeIntegration{name: "crm", script: func(int) error { return nil }}
	creds := &fakeCreds{
		getErr:     contractx.ErrCredentialExpired,
		refreshErr: errors.New("invalid_grant"),
	}
	g := newTestGateway(t, Config{}, nil, creds, integ)

	_, err := g.Invoke(context.Background(), "crm", "createRecord", nil, "")
	if !errors.Is(err, contractx.ErrRefreshFailed) {
		t.Fatalf("Invoke() error = %v, want ErrRefreshFailed", err)
	}
	if integ.callCount() != 0 {
		t.Fatalf("call count = %d, want 0 (no call without credential)", integ.callCount())
	}
}

func TestInvokeUnknownIntegration(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, Config{}, nil, nil)
	_, err := g.Invoke(context.Background(), "fax", "send", nil, "")
	if !errors.Is(err, contractx.ErrPermanent) {
		t.Fatalf("Invoke() error = %v, want ErrPermanent", err)
	}
}
