// Package db opens the Postgres connection pool and creates the schema.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrator is a store that can create its tables.
type Migrator interface {
	EnsureTable(ctx context.Context) error
}

// Migrate creates the tables of every store, in order. Stores with foreign
// keys must follow the tables they reference.
func Migrate(ctx context.Context, stores ...Migrator) error {
	for _, s := range stores {
		if err := s.EnsureTable(ctx); err != nil {
			return fmt.Errorf("ensure %T table: %w", s, err)
		}
	}
	return nil
}
