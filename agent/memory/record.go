// Package memory implements the dual-tier conversation memory: an append-only
// persistent log scoped by (lead, role), and a volatile per-run buffer that is
// flushed to the log at checkpoints.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Kind string

const (
	KindMessage         Kind = "message"
	KindDecision        Kind = "decision"
	KindToolResult      Kind = "tool_result"
	KindTransitionAudit Kind = "transition_audit"
	KindHandoff         Kind = "handoff"
	KindEscalation      Kind = "escalation"
	KindCancellation    Kind = "cancellation"
)

var (
	ErrEmptyLead   = errors.New("lead id is empty")
	ErrEmptyRole   = errors.New("role is empty")
	ErrSeqConflict = errors.New("memory sequence conflict")
)

// Record is one immutable unit of context. Seq is strictly increasing per
// (LeadID, Role) stream; records are appended or expired, never mutated.
type Record struct {
	LeadID    string          `json:"lead_id"`
	Role      string          `json:"role"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the record's optional TTL has lapsed.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Log is the persistent tier. Append must reject a record whose Seq is not
// greater than the last stored Seq of its stream with ErrSeqConflict.
type Log interface {
	Append(ctx context.Context, recs ...Record) error
	Stream(ctx context.Context, leadID, role string) ([]Record, error)
	LastSeq(ctx context.Context, leadID, role string) (int64, error)
}
