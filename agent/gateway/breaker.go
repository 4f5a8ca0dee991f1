// Package gateway is the only path through which the orchestrator touches
// external integrations. It wraps every call with retry, backoff,
// circuit-breaking, and credential refresh, and normalizes every outcome to
// {success, transient-error, permanent-error}.
package gateway

import (
	"sync"
	"time"
)

// BreakerState is the per-integration circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker tracks consecutive logical-operation failures for one integration.
// The request path and the health-probe path share one instance per
// integration and mutate it only through compareAndTransition, so concurrent
// probes and requests cannot lose updates.
type Breaker struct {
	mu sync.Mutex

	state       BreakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration

	// nextCooldown doubles on every half-open failure and resets on close.
	nextCooldown  time.Duration
	lastFailureAt time.Time
	nextProbeAt   time.Time
}

// NewBreaker opens after threshold consecutive failures and schedules the
// first half-open probe after cooldown. Each half-open failure doubles the
// cooldown up to maxCooldown.
func NewBreaker(threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if maxCooldown < cooldown {
		maxCooldown = 8 * cooldown
	}
	return &Breaker{
		state:        BreakerClosed,
		threshold:    threshold,
		cooldown:     cooldown,
		maxCooldown:  maxCooldown,
		nextCooldown: cooldown,
	}
}

// Allow reports whether a call may proceed at now. While open, it admits
// exactly the call that wins the open -> half_open transition once
// nextProbeAt has elapsed; everyone else waits for that probe to resolve.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		// The admitted probe is still in flight.
		return false
	case BreakerOpen:
		if now.Before(b.nextProbeAt) {
			return false
		}
		return b.compareAndTransition(BreakerOpen, BreakerHalfOpen, now)
	}
	return false
}

// Failure records one failed logical operation (exhausted retries or a
// permanent error).
func (b *Breaker) Failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = now

	switch b.state {
	case BreakerHalfOpen:
		// The probe failed: reopen with a longer backoff.
		b.nextCooldown = minDuration(2*b.nextCooldown, b.maxCooldown)
		b.compareAndTransition(BreakerHalfOpen, BreakerOpen, now)
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.compareAndTransition(BreakerClosed, BreakerOpen, now)
		}
	}
}

// Success records one successful logical operation and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.nextCooldown = b.cooldown
	if b.state == BreakerHalfOpen {
		b.compareAndTransition(BreakerHalfOpen, BreakerClosed, time.Time{})
	}
}

// compareAndTransition applies from->to only when the breaker is still in
// from. Must be called with b.mu held; it is the single mutation point for
// the state field.
func (b *Breaker) compareAndTransition(from, to BreakerState, now time.Time) bool {
	if b.state != from {
		return false
	}
	b.state = to
	if to == BreakerOpen {
		b.nextProbeAt = now.Add(b.nextCooldown)
	}
	return true
}

// State returns the current position for observability.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// NextProbeAt returns when an open circuit will admit its probe.
func (b *Breaker) NextProbeAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextProbeAt
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
