/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres implements the durable-store contract on PostgreSQL
// using pgx connection pooling. Schema management lives in Migrator with
// embedded SQL migrations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workbenchlabs/sessiond/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Provider)(nil)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// the row collections run against either.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Provider implements store.Store using PostgreSQL.
type Provider struct {
	pool     *pgxpool.Pool
	q        querier
	ownsPool bool
}

// New creates a Provider that owns the underlying connection pool. The pool
// is created from cfg and verified with a ping. Close shuts the pool down.
func New(cfg Config) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Provider{pool: pool, q: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because
// the caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool, q: pool, ownsPool: false}
}

func (p *Provider) Sessions() store.SessionStore       { return &pgSessions{q: p.q} }
func (p *Provider) Checkpoints() store.CheckpointStore { return &pgCheckpoints{q: p.q} }
func (p *Provider) Metadata() store.MetadataStore      { return &pgMetadata{q: p.q} }
func (p *Provider) Keys() store.KeyStore               { return &pgKeys{q: p.q} }
func (p *Provider) Configs() store.ConfigStore         { return &pgConfigs{q: p.q} }

// WithTx runs fn inside a single database transaction. Nested transactions
// are not supported; calling WithTx on the transactional view opens a new
// top-level transaction from the pool.
func (p *Provider) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Provider{pool: p.pool, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transaction: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool when the Provider owns it.
func (p *Provider) Close() error {
	if p.ownsPool && p.pool != nil {
		p.pool.Close()
	}
	return nil
}
