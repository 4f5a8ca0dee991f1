package lead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidTransition rejects an event that is not legal from the
	// lead's current status. Never retried.
	ErrInvalidTransition = errors.New("invalid lead transition")

	// ErrStaleTransition rejects a transition that lost a race against a
	// concurrent one. The caller must re-read and decide again.
	ErrStaleTransition = errors.New("stale lead transition")
)

// Store is the persistence contract the machine drives. Status writes go
// through a compare-and-swap so concurrent transitions for one lead are
// linearized by the store, not by process-local locking.
type Store interface {
	Get(ctx context.Context, id string) (*Lead, error)
	Create(ctx context.Context, l *Lead) error
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	SetRole(ctx context.Context, id, role string) error
	Archive(ctx context.Context, id string) error
}

// Auditor receives one record per applied transition. The orchestrator wires
// its run buffer here so audits land in the lead's memory stream.
type Auditor interface {
	AppendTransition(ctx context.Context, leadID string, from, to Status, event Event) error
}

// NoopAuditor discards audit records. Used when the machine is driven outside
// a workflow run (admin tooling, tests).
type NoopAuditor struct{}

func (NoopAuditor) AppendTransition(context.Context, string, Status, Status, Event) error {
	return nil
}

// Machine owns lead lifecycle transitions.
type Machine struct {
	store Store
	audit Auditor
	now   func() time.Time
}

func NewMachine(store Store, audit Auditor) (*Machine, error) {
	if store == nil {
		return nil, errors.New("lead store is required")
	}
	if audit == nil {
		audit = NoopAuditor{}
	}
	return &Machine{store: store, audit: audit, now: time.Now}, nil
}

// WithAuditor returns a copy of the machine that writes audits through a;
// the orchestrator uses this to bind audits to the current run buffer.
func (m *Machine) WithAuditor(a Auditor) *Machine {
	cp := *m
	if a == nil {
		a = NoopAuditor{}
	}
	cp.audit = a
	return &cp
}

// Transition fires event against the lead's current status.
//
// Firing an event whose resulting status the lead already holds is an
// idempotent no-op, so at-least-once delivery from upstream triggers is
// harmless. A compare-and-swap miss is re-read once: if the store already
// holds the event's target the call is treated as the duplicate it is,
// otherwise it is rejected as stale.
func (m *Machine) Transition(ctx context.Context, leadID string, event Event) (Status, error) {
	target, known := Target(event)
	if !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	l, err := m.store.Get(ctx, leadID)
	if err != nil {
		return "", err
	}

	if l.Status == target {
		return l.Status, nil
	}
	if !Legal(l.Status, event) {
		return "", fmt.Errorf("%w: event=%s from status=%s", ErrInvalidTransition, event, l.Status)
	}

	at := m.now().UTC()
	ok, err := m.store.CompareAndSwapStatus(ctx, leadID, l.Status, target, at)
	if err != nil {
		return "", err
	}
	if !ok {
		cur, rerr := m.store.Get(ctx, leadID)
		if rerr != nil {
			return "", rerr
		}
		if cur.Status == target {
			return cur.Status, nil
		}
		return "", fmt.Errorf("%w: event=%s expected=%s found=%s", ErrStaleTransition, event, l.Status, cur.Status)
	}

	if err := m.audit.AppendTransition(ctx, leadID, l.Status, target, event); err != nil {
		return "", fmt.Errorf("append transition audit: %w", err)
	}

	log.Info().
		Str("lead_id", leadID).
		Str("event", string(event)).
		Str("from", string(l.Status)).
		Str("to", string(target)).
		Msg("lead transitioned")

	return target, nil
}

// CurrentStatus reads the durable status. Never blocks on workflow activity.
func (m *Machine) CurrentStatus(ctx context.Context, leadID string) (Status, error) {
	l, err := m.store.Get(ctx, leadID)
	if err != nil {
		return "", err
	}
	return l.Status, nil
}
