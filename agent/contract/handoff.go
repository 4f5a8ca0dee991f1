package contract

import (
	"context"
	"errors"
	"time"
)

// ErrHandoffPending rejects a second pending handoff for one lead. The
// protocol allows at most one open baton per lead at a time.
var ErrHandoffPending = errors.New("handoff already pending")

type HandoffState string

const (
	HandoffPending   HandoffState = "pending"
	HandoffDelivered HandoffState = "delivered"
	HandoffArchived  HandoffState = "archived"
)

// Handoff is the baton passed between agent roles. It is created pending by
// the source role's run, marked delivered when the target role's run adopts
// it, and archived when that run completes.
type Handoff struct {
	ID          string         `json:"id"`
	LeadID      string         `json:"lead_id"`
	FromRole    AgentRole      `json:"from_role"`
	ToRole      AgentRole      `json:"to_role"`
	State       HandoffState   `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
}

// HandoffStore persists batons. Create must enforce the single-pending
// invariant atomically and return ErrHandoffPending on violation; the state
// changes are compare-and-swap so a crashed run can never double-deliver.
type HandoffStore interface {
	Create(ctx context.Context, h *Handoff) error
	Pending(ctx context.Context, leadID string) (*Handoff, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	MarkArchived(ctx context.Context, id string, at time.Time) (bool, error)
}

// ErrNoHandoff is returned by Pending when no baton is open for the lead.
var ErrNoHandoff = errors.New("no pending handoff")
