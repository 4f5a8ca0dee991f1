package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	memoryx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/memory"
)

// MemoryLog is the persistent tier of the dual memory: append-only rows keyed
// (lead_id, role, seq). The primary key doubles as the sequence guard, so a
// duplicate or out-of-order append fails at the database.
type MemoryLog struct {
	db    *bun.DB
	cache *cache
}

func NewMemoryLog(db *bun.DB, c *cache) *MemoryLog {
	return &MemoryLog{db: db, cache: c}
}

func (s *MemoryLog) Append(ctx context.Context, recs ...memoryx.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]memoryRecordRow, 0, len(recs))
	for _, r := range recs {
		if r.LeadID == "" {
			return memoryx.ErrEmptyLead
		}
		if r.Role == "" {
			return memoryx.ErrEmptyRole
		}
		rows = append(rows, memoryRecordRow{
			LeadID:    r.LeadID,
			Role:      r.Role,
			Seq:       r.Seq,
			Kind:      string(r.Kind),
			Payload:   r.Payload,
			ExpiresAt: r.ExpiresAt,
			CreatedAt: r.CreatedAt,
		})
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", memoryx.ErrSeqConflict, err)
		}
		return fmt.Errorf("append memory records: %w", err)
	}

	for _, r := range recs {
		s.cache.del(seqKey(r.LeadID, r.Role))
	}
	return nil
}

// Stream returns the full ordered stream for (lead, role), expired records
// included. Callers filter with Record.Expired when building a view.
func (s *MemoryLog) Stream(ctx context.Context, leadID, role string) ([]memoryx.Record, error) {
	var rows []memoryRecordRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("lead_id = ?", leadID).
		Where("role = ?", role).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select memory stream: %w", err)
	}
	recs := make([]memoryx.Record, 0, len(rows))
	for i := range rows {
		recs = append(recs, fromMemoryRow(&rows[i]))
	}
	return recs, nil
}

func (s *MemoryLog) LastSeq(ctx context.Context, leadID, role string) (int64, error) {
	if raw, ok := s.cache.get(seqKey(leadID, role)); ok {
		if seq, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return seq, nil
		}
	}

	var seq int64
	err := s.db.NewSelect().
		Model((*memoryRecordRow)(nil)).
		ColumnExpr("COALESCE(MAX(seq), 0)").
		Where("lead_id = ?", leadID).
		Where("role = ?", role).
		Scan(ctx, &seq)
	if err != nil {
		return 0, fmt.Errorf("select last seq: %w", err)
	}
	s.cache.set(seqKey(leadID, role), []byte(strconv.FormatInt(seq, 10)))
	return seq, nil
}

func fromMemoryRow(row *memoryRecordRow) memoryx.Record {
	return memoryx.Record{
		LeadID:    row.LeadID,
		Role:      row.Role,
		Seq:       row.Seq,
		Kind:      memoryx.Kind(row.Kind),
		Payload:   row.Payload,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}
}

// isUniqueViolation detects Postgres error 23505 on the stream primary key.
func isUniqueViolation(err error) bool {
	var pgerr pgdriver.Error
	if errors.As(err, &pgerr) {
		return pgerr.Field('C') == "23505"
	}
	return false
}
