// Package health runs periodic liveness probes against every registered
// integration and condenses consecutive outcomes into an up/degraded/down
// status per integration.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	integrationx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/integration"
)

// Status is the condensed availability of one integration.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// TopicIntegrationDown is the queue topic for outage alerts.
const TopicIntegrationDown = "integration.down"

// Config tunes probe cadence and alerting.
type Config struct {
	Interval       time.Duration `envconfig:"INTERVAL" split_words:"true" default:"30s"`
	ProbeTimeout   time.Duration `envconfig:"PROBE_TIMEOUT" split_words:"true" default:"5s"`
	DownAfter      int           `envconfig:"DOWN_AFTER" split_words:"true" default:"3"`
	AlertThreshold time.Duration `envconfig:"ALERT_THRESHOLD" split_words:"true" default:"5m"`
}

// Prober is the slice of the gateway the monitor needs. Probing through the
// gateway matters: a successful probe repairs the shared circuit breaker.
type Prober interface {
	Integrations() []string
	Invoke(ctx context.Context, integration, operation string, args map[string]any, idempotencyKey string) (contractx.ToolResult, error)
}

// DownAlert is the payload published when an integration has been down
// longer than the alert threshold.
type DownAlert struct {
	Integration string    `json:"integration"`
	DownSince   time.Time `json:"down_since"`
	Failures    int       `json:"consecutive_failures"`
	LastError   string    `json:"last_error,omitempty"`
}

type integrationState struct {
	status    Status
	failures  int
	downSince time.Time
	alerted   bool
	lastError string
	checkedAt time.Time
}

// Snapshot is the externally visible state of one integration.
type Snapshot struct {
	Integration string    `json:"integration"`
	Status      Status    `json:"status"`
	Failures    int       `json:"consecutive_failures"`
	CheckedAt   time.Time `json:"checked_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Monitor owns one probe loop per integration.
type Monitor struct {
	cfg       Config
	prober    Prober
	publisher contractx.Publisher

	mu     sync.RWMutex
	states map[string]*integrationState

	now func() time.Time
}

func NewMonitor(cfg Config, prober Prober, publisher contractx.Publisher) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = 3
	}
	m := &Monitor{
		cfg:       cfg,
		prober:    prober,
		publisher: publisher,
		states:    make(map[string]*integrationState),
		now:       time.Now,
	}
	for _, name := range prober.Integrations() {
		m.states[name] = &integrationState{status: StatusUp}
	}
	return m
}

// Run probes every integration on the configured interval until ctx is
// cancelled. One goroutine per integration so a slow probe never delays the
// others.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name := range m.states {
		name := name
		g.Go(func() error {
			ticker := time.NewTicker(m.cfg.Interval)
			defer ticker.Stop()
			m.probe(ctx, name)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					m.probe(ctx, name)
				}
			}
		})
	}
	return g.Wait()
}

func (m *Monitor) probe(ctx context.Context, integration string) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	_, err := m.prober.Invoke(pctx, integration, integrationx.ProbeOperation, nil, "")
	cancel()
	m.Observe(integration, err)
}

// Observe folds one probe outcome into the integration's status. Exposed so
// tests drive the state machine without running the loop.
func (m *Monitor) Observe(integration string, probeErr error) {
	now := m.now()

	m.mu.Lock()
	st, ok := m.states[integration]
	if !ok {
		st = &integrationState{status: StatusUp}
		m.states[integration] = st
	}
	st.checkedAt = now

	if probeErr == nil {
		if st.status != StatusUp {
			log.Info().Str("integration", integration).Msg("integration recovered")
		}
		st.status = StatusUp
		st.failures = 0
		st.downSince = time.Time{}
		st.alerted = false
		st.lastError = ""
		m.mu.Unlock()
		return
	}

	st.failures++
	st.lastError = probeErr.Error()
	switch {
	case st.failures >= m.cfg.DownAfter:
		if st.status != StatusDown {
			st.downSince = now
			log.Error().Str("integration", integration).Int("failures", st.failures).Msg("integration down")
		}
		st.status = StatusDown
	default:
		st.status = StatusDegraded
	}

	alert := st.status == StatusDown &&
		!st.alerted &&
		now.Sub(st.downSince) >= m.cfg.AlertThreshold
	if alert {
		st.alerted = true
	}
	payload := DownAlert{
		Integration: integration,
		DownSince:   st.downSince,
		Failures:    st.failures,
		LastError:   st.lastError,
	}
	m.mu.Unlock()

	if alert && m.publisher != nil {
		if err := m.publisher.Publish(context.Background(), TopicIntegrationDown, payload); err != nil {
			log.Warn().Err(err).Str("integration", integration).Msg("failed to publish down alert")
			m.mu.Lock()
			if st, ok := m.states[integration]; ok {
				st.alerted = false
			}
			m.mu.Unlock()
		}
	}
}

// Status reports the condensed availability of one integration. Unknown
// integrations read as down.
func (m *Monitor) Status(integration string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[integration]
	if !ok {
		return StatusDown
	}
	return st.status
}

// Snapshots returns the state of every tracked integration.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.states))
	for name, st := range m.states {
		out = append(out, Snapshot{
			Integration: name,
			Status:      st.status,
			Failures:    st.failures,
			CheckedAt:   st.checkedAt,
			LastError:   st.lastError,
		})
	}
	return out
}
