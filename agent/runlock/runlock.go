// Package runlock serializes workflow runs per lead: at most one run may
// hold a lead's lock at a time, while distinct leads proceed in parallel.
package runlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld means another run currently owns the lead.
var ErrLockHeld = errors.New("run lock held by another workflow")

// Locker is the acquisition contract used by the orchestrator. Release must
// be safe to call after the TTL lapsed.
type Locker interface {
	Acquire(ctx context.Context, leadID string, ttl time.Duration) (Release, error)
}

// Release frees the lock if this holder still owns it.
type Release func(ctx context.Context) error

// MemoryLocker is a process-local locker for single-instance deployments
// and tests. Multi-instance deployments use RedisLocker so the one-run-per-
// lead rule holds across workers.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time // leadID -> expiry
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *MemoryLocker) Acquire(ctx context.Context, leadID string, ttl time.Duration) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.held[leadID]; ok && now.Before(exp) {
		return nil, ErrLockHeld
	}
	m.held[leadID] = now.Add(ttl)

	release := func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, leadID)
		return nil
	}
	return release, nil
}
