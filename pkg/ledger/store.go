/*
Copyright 2025 the Decisionwise Authors.

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

// Package ledger is the Postgres ledger of record for money and run state.
//
// All state changes flow through three atomic operations:
//
//  1. InsertRun — new row, loud classified failure on the
//     (tenant_id, idempotency_key) uniqueness constraint.
//  2. compare-and-swap updates — a row mutates only when the observed
//     version and every named guard column still match; success increments
//     the version. Zero rows affected is ErrCASConflict, a retriable signal.
//  3. RecordSettlement — a settlement row keyed by run identifier, inserted
//     in the same transaction as the finalize CAS; the key's uniqueness
//     makes repeated settlement a no-op.
//
// Every Store method checks out its own pooled connection for the duration
// of one call. Nothing here holds session state across calls, which is what
// lets the worker's heartbeat task share a *Store with the main task safely.
package ledger

import (
	"context"
	"embed"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/ghilp934/Decisionwise-sub000/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the ledger connection pool.
type Store struct {
	db  *sqlx.DB
	log logr.Logger
}

// Open connects to the ledger, applies pool settings, and verifies
// connectivity.
func Open(ctx context.Context, cfg config.Config, log logr.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}

	log.Info("ledger connection established",
		"maxOpenConns", cfg.DB.MaxOpenConns,
		"maxIdleConns", cfg.DB.MaxIdleConns,
	)
	return NewStore(db, log), nil
}

// NewStore wraps an existing pool. Tests construct stores over sqlmock
// through this path.
func NewStore(db *sqlx.DB, log logr.Logger) *Store {
	return &Store{db: db, log: log}
}

// MigrateUp applies the embedded schema migrations.
func (s *Store) MigrateUp(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("ledger: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Ping probes connectivity for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}
