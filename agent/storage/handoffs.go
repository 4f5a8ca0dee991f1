package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

// HandoffStore persists agent batons. The single-pending invariant is
// enforced inside one transaction: insert only when no pending row exists
// for the lead.
type HandoffStore struct {
	db *bun.DB
}

func NewHandoffStore(db *bun.DB) *HandoffStore {
	return &HandoffStore{db: db}
}

func (s *HandoffStore) Create(ctx context.Context, h *contractx.Handoff) error {
	row, err := toHandoffRow(h)
	if err != nil {
		return err
	}
	err = s.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*handoffRow)(nil)).
			Where("lead_id = ?", h.LeadID).
			Where("state = ?", string(contractx.HandoffPending)).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check pending handoff: %w", err)
		}
		if exists {
			return contractx.ErrHandoffPending
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert handoff: %w", err)
		}
		return nil
	})
	return err
}

func (s *HandoffStore) Pending(ctx context.Context, leadID string) (*contractx.Handoff, error) {
	row := new(handoffRow)
	err := s.db.NewSelect().
		Model(row).
		Where("lead_id = ?", leadID).
		Where("state = ?", string(contractx.HandoffPending)).
		Order("created_at ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contractx.ErrNoHandoff
	}
	if err != nil {
		return nil, fmt.Errorf("select pending handoff: %w", err)
	}
	return fromHandoffRow(row)
}

// MarkDelivered moves pending to delivered. Returns false when the baton was
// not pending anymore, so a crashed-and-restarted run cannot adopt it twice.
func (s *HandoffStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.swapState(ctx, id, contractx.HandoffPending, contractx.HandoffDelivered, "delivered_at", at)
}

// MarkArchived moves delivered to archived once the adopting run completes.
func (s *HandoffStore) MarkArchived(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.swapState(ctx, id, contractx.HandoffDelivered, contractx.HandoffArchived, "archived_at", at)
}

func (s *HandoffStore) swapState(ctx context.Context, id string, from, to contractx.HandoffState, tsColumn string, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*handoffRow)(nil)).
		Set("state = ?", string(to)).
		Set(tsColumn+" = ?", at).
		Where("id = ?", id).
		Where("state = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update handoff state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func toHandoffRow(h *contractx.Handoff) (*handoffRow, error) {
	var payload json.RawMessage
	if h.Payload != nil {
		raw, err := json.Marshal(h.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal handoff payload: %w", err)
		}
		payload = raw
	}
	return &handoffRow{
		ID:        h.ID,
		LeadID:    h.LeadID,
		FromRole:  string(h.FromRole),
		ToRole:    string(h.ToRole),
		State:     string(h.State),
		Reason:    h.Reason,
		Payload:   payload,
		CreatedAt: h.CreatedAt,
	}, nil
}

func fromHandoffRow(row *handoffRow) (*contractx.Handoff, error) {
	h := &contractx.Handoff{
		ID:          row.ID,
		LeadID:      row.LeadID,
		FromRole:    contractx.AgentRole(row.FromRole),
		ToRole:      contractx.AgentRole(row.ToRole),
		State:       contractx.HandoffState(row.State),
		Reason:      row.Reason,
		CreatedAt:   row.CreatedAt,
		DeliveredAt: row.DeliveredAt,
		ArchivedAt:  row.ArchivedAt,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &h.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal handoff payload: %w", err)
		}
	}
	return h, nil
}
