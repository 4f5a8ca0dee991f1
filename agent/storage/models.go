package storage

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

type leadRow struct {
	bun.BaseModel `bun:"table:leads"`

	ID               string    `bun:"id,pk"`
	Status           string    `bun:"status,notnull"`
	Source           string    `bun:"source"`
	WorkflowID       string    `bun:"workflow_id"`
	Role             string    `bun:"role"`
	Archived         bool      `bun:"archived,notnull,default:false"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
	LastTransitionAt time.Time `bun:"last_transition_at,notnull"`
}

type memoryRecordRow struct {
	bun.BaseModel `bun:"table:memory_records"`

	LeadID    string          `bun:"lead_id,pk"`
	Role      string          `bun:"role,pk"`
	Seq       int64           `bun:"seq,pk"`
	Kind      string          `bun:"kind,notnull"`
	Payload   json.RawMessage `bun:"payload,type:jsonb"`
	ExpiresAt *time.Time      `bun:"expires_at"`
	CreatedAt time.Time       `bun:"created_at,notnull"`
}

type toolInvocationRow struct {
	bun.BaseModel `bun:"table:tool_invocations"`

	ID             int64         `bun:"id,pk,autoincrement"`
	Integration    string        `bun:"integration,notnull"`
	Operation      string        `bun:"operation,notnull"`
	Attempt        int           `bun:"attempt,notnull"`
	Outcome        string        `bun:"outcome,notnull"`
	Latency        time.Duration `bun:"latency_ns,notnull"`
	StartedAt      time.Time     `bun:"started_at,notnull"`
	IdempotencyKey string        `bun:"idempotency_key"`
}

type handoffRow struct {
	bun.BaseModel `bun:"table:agent_handoffs"`

	ID          string          `bun:"id,pk"`
	LeadID      string          `bun:"lead_id,notnull"`
	FromRole    string          `bun:"from_role,notnull"`
	ToRole      string          `bun:"to_role,notnull"`
	State       string          `bun:"state,notnull"`
	Reason      string          `bun:"reason"`
	Payload     json.RawMessage `bun:"payload,type:jsonb"`
	CreatedAt   time.Time       `bun:"created_at,notnull"`
	DeliveredAt *time.Time      `bun:"delivered_at"`
	ArchivedAt  *time.Time      `bun:"archived_at"`
}
