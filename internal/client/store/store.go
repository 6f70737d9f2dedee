// Package store is the client-side encrypted database. It persists entity
// envelopes exactly as the merge engine hands them over: payloads are AEAD
// ciphertext, and nothing in this package ever holds a key or a plaintext
// field. Everything else (audit log, conflict queue, outbound sync deltas,
// wrapped principal keys, rotation checkpoints) lives in the same SQLite
// file so a crash can never split an entity from its bookkeeping.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/tallysync/tally/internal/client/store/migrations"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer for one company ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies pending
// migrations. Use ":memory:" for tests.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Concurrent engine writes share one connection; SQLite serializes them.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
