package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
)

// LeadStore is the bun-backed implementation of lead.Store. Status writes go
// through a guarded UPDATE so concurrent transitions for one lead are
// linearized by Postgres.
type LeadStore struct {
	db    *bun.DB
	cache *cache
}

func NewLeadStore(db *bun.DB, c *cache) *LeadStore {
	return &LeadStore{db: db, cache: c}
}

func (s *LeadStore) Get(ctx context.Context, id string) (*leadx.Lead, error) {
	if raw, ok := s.cache.get(leadKey(id)); ok {
		var l leadx.Lead
		if err := json.Unmarshal(raw, &l); err == nil {
			return &l, nil
		}
	}

	row := new(leadRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", leadx.ErrLeadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select lead: %w", err)
	}

	l := fromLeadRow(row)
	if raw, err := json.Marshal(l); err == nil {
		s.cache.set(leadKey(id), raw)
	}
	return l, nil
}

func (s *LeadStore) Create(ctx context.Context, l *leadx.Lead) error {
	row := toLeadRow(l)
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	s.cache.del(leadKey(l.ID))
	return nil
}

// CompareAndSwapStatus moves the lead from one status to another only when
// the stored status still matches. The swapped flag is false when another
// transition won the race.
func (s *LeadStore) CompareAndSwapStatus(ctx context.Context, id string, from, to leadx.Status, at time.Time) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*leadRow)(nil)).
		Set("status = ?", string(to)).
		Set("last_transition_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update lead status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	s.cache.del(leadKey(id))
	return affected == 1, nil
}

func (s *LeadStore) SetRole(ctx context.Context, id, role string) error {
	res, err := s.db.NewUpdate().
		Model((*leadRow)(nil)).
		Set("role = ?", role).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update lead role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", leadx.ErrLeadNotFound, id)
	}
	s.cache.del(leadKey(id))
	return nil
}

// Archive soft-deletes the lead. The row stays for audit.
func (s *LeadStore) Archive(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().
		Model((*leadRow)(nil)).
		Set("archived = TRUE").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("archive lead: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", leadx.ErrLeadNotFound, id)
	}
	s.cache.del(leadKey(id))
	return nil
}

func toLeadRow(l *leadx.Lead) *leadRow {
	return &leadRow{
		ID:               l.ID,
		Status:           string(l.Status),
		Source:           l.Source,
		WorkflowID:       l.WorkflowID,
		Role:             l.Role,
		Archived:         l.Archived,
		CreatedAt:        l.CreatedAt,
		LastTransitionAt: l.LastTransitionAt,
	}
}

func fromLeadRow(row *leadRow) *leadx.Lead {
	return &leadx.Lead{
		ID:               row.ID,
		Status:           leadx.Status(row.Status),
		Source:           row.Source,
		WorkflowID:       row.WorkflowID,
		Role:             row.Role,
		Archived:         row.Archived,
		CreatedAt:        row.CreatedAt,
		LastTransitionAt: row.LastTransitionAt,
	}
}
