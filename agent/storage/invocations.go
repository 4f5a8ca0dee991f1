package storage

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	gatewayx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/gateway"
)

// InvocationStore persists one row per gateway attempt. Append-only.
type InvocationStore struct {
	db *bun.DB
}

func NewInvocationStore(db *bun.DB) *InvocationStore {
	return &InvocationStore{db: db}
}

func (s *InvocationStore) Record(ctx context.Context, inv gatewayx.Invocation) error {
	row := &toolInvocationRow{
		Integration:    inv.Integration,
		Operation:      inv.Operation,
		Attempt:        inv.Attempt,
		Outcome:        string(inv.Outcome),
		Latency:        inv.Latency,
		StartedAt:      inv.StartedAt,
		IdempotencyKey: inv.IdempotencyKey,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert tool invocation: %w", err)
	}
	return nil
}

// Recent returns the latest invocations for one integration, newest first.
func (s *InvocationStore) Recent(ctx context.Context, integration string, limit int) ([]gatewayx.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []toolInvocationRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("integration = ?", integration).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select tool invocations: %w", err)
	}
	out := make([]gatewayx.Invocation, 0, len(rows))
	for i := range rows {
		out = append(out, gatewayx.Invocation{
			Integration:    rows[i].Integration,
			Operation:      rows[i].Operation,
			Attempt:        rows[i].Attempt,
			Outcome:        contractx.ToolOutcome(rows[i].Outcome),
			Latency:        rows[i].Latency,
			StartedAt:      rows[i].StartedAt,
			IdempotencyKey: rows[i].IdempotencyKey,
		})
	}
	return out, nil
}
