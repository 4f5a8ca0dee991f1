// Package storage persists leads, memory streams, tool invocations and
// handoffs in Postgres through bun, with a small ristretto read cache in
// front of the hot lookups.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Config locates the Postgres instance.
type Config struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"10"`
	CacheBytes   int64         `envconfig:"CACHE_BYTES" split_words:"true" default:"16777216"`
	CacheTTL     time.Duration `envconfig:"CACHE_TTL" split_words:"true" default:"15s"`
}

// Connect opens the bun handle and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Stores bundles the bun-backed stores sharing one L1 cache.
type Stores struct {
	Leads       *LeadStore
	Memory      *MemoryLog
	Invocations *InvocationStore
	Handoffs    *HandoffStore

	cache *cache
}

// BuildStores wires every bun-backed store over one shared L1 cache.
func BuildStores(db *bun.DB, cfg Config) (*Stores, error) {
	c, err := newCache(cfg.CacheBytes, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Stores{
		Leads:       NewLeadStore(db, c),
		Memory:      NewMemoryLog(db, c),
		Invocations: NewInvocationStore(db),
		Handoffs:    NewHandoffStore(db),
		cache:       c,
	}, nil
}

// Close releases the shared cache's internal buffers.
func (s *Stores) Close() {
	if s != nil {
		s.cache.close()
	}
}

// CreateTables provisions the schema. Intended for local development and
// tests; production schemas are managed out of band.
func CreateTables(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*leadRow)(nil),
		(*memoryRecordRow)(nil),
		(*toolInvocationRow)(nil),
		(*handoffRow)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}
