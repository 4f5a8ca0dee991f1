package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Buffer is the volatile tier: it lives for one workflow run and is the only
// writer to its lead's streams while the run lock is held. Appends accumulate
// in process memory; Flush writes them through to the persistent log. The
// orchestrator flushes after every agent turn, before every external side
// effect, and on handoff.
type Buffer struct {
	mu      sync.Mutex
	log     Log
	leadID  string
	pending []Record
	nextSeq map[string]int64 // role -> next sequence number
	now     func() time.Time
}

func NewBuffer(log Log, leadID string) (*Buffer, error) {
	if log == nil {
		return nil, fmt.Errorf("memory log is required")
	}
	if strings.TrimSpace(leadID) == "" {
		return nil, ErrEmptyLead
	}
	return &Buffer{
		log:     log,
		leadID:  leadID,
		nextSeq: make(map[string]int64, 4),
		now:     time.Now,
	}, nil
}

// WithClock overrides the buffer clock. Test hook.
func (b *Buffer) WithClock(now func() time.Time) *Buffer {
	b.now = now
	return b
}

// Append marshals payload and stages a record on the (lead, role) stream.
// The assigned record is returned so callers can reference its Seq.
func (b *Buffer) Append(ctx context.Context, role string, kind Kind, payload any) (Record, error) {
	return b.append(ctx, role, kind, payload, nil)
}

// AppendWithTTL stages a record that expires at the given instant.
func (b *Buffer) AppendWithTTL(ctx context.Context, role string, kind Kind, payload any, ttl time.Duration) (Record, error) {
	exp := b.now().UTC().Add(ttl)
	return b.append(ctx, role, kind, payload, &exp)
}

func (b *Buffer) append(ctx context.Context, role string, kind Kind, payload any, expiresAt *time.Time) (Record, error) {
	if strings.TrimSpace(role) == "" {
		return Record{}, ErrEmptyRole
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal memory payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seq, err := b.reserveSeqLocked(ctx, role)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		LeadID:    b.leadID,
		Role:      role,
		Seq:       seq,
		Kind:      kind,
		Payload:   raw,
		ExpiresAt: expiresAt,
		CreatedAt: b.now().UTC(),
	}
	b.pending = append(b.pending, rec)
	return rec, nil
}

// reserveSeqLocked hands out the next sequence number for role, consulting
// the persistent log once per stream. Safe because the run lock guarantees a
// single writer per lead.
func (b *Buffer) reserveSeqLocked(ctx context.Context, role string) (int64, error) {
	next, ok := b.nextSeq[role]
	if !ok {
		last, err := b.log.LastSeq(ctx, b.leadID, role)
		if err != nil {
			return 0, fmt.Errorf("read last seq for role=%s: %w", role, err)
		}
		next = last + 1
	}
	b.nextSeq[role] = next + 1
	return next, nil
}

// Flush writes every staged record to the persistent log and clears the
// buffer. Flushing an empty buffer is a no-op.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	staged := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}
	if err := b.log.Append(ctx, staged...); err != nil {
		// Put the records back so a retried flush does not lose them.
		b.mu.Lock()
		b.pending = append(staged, b.pending...)
		b.mu.Unlock()
		return fmt.Errorf("flush memory buffer: %w", err)
	}
	return nil
}

// Len reports the number of staged, unflushed records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns a copy of the staged records, newest last.
func (b *Buffer) Pending() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.pending...)
}
