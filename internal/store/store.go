// Package store is the transactional persistence layer for every entity
// in spec.md §3: Subscriptions, Proposals, Agreements, DebitNotes,
// Invoices, Allocations, Events, SyncNotifs. It is backed by sqlite
// (mattn/go-sqlite3), the same engine the teacher uses for its catalog
// database (go/flow/builds.go), accessed through database/sql.
//
// Cross-component invariants that must commit atomically (e.g.
// "counter Proposal ⇒ mark prev Accepted") are expressed as a single
// call to WithTx per spec.md §5's "cross-component invariants live in a
// single transaction" rule. Nothing in this package ever holds a
// transaction open across a network call — callers pass already-computed
// values in, and the bus/rpcnet calls that follow a commit happen outside
// WithTx.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // driver registration
)

// Store wraps a sqlite database handle with the schema applied.
type Store struct {
	db *sql.DB
}

// Querier is satisfied by both *sql.DB and *sql.Tx, letting every
// repository method run either standalone or inside a caller-managed
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if absent) the sqlite file at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers; matches teacher's single-writer catalog access pattern.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory is a convenience constructor for tests.
func OpenInMemory() (*Store, error) {
	return Open("file::memory:?cache=shared")
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only ad hoc queries; WithTx should
// be preferred for anything that mutates more than one row.
func (s *Store) DB() Querier { return s.db }

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. It is the home for every cross-entity
// invariant spec.md §5 requires to commit atomically.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}
	return nil
}

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = fmt.Errorf("store: not found")
