package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store on top of PostgreSQL via sqlx.
//
// Queries are written with ? placeholders and rebound for the pgx driver so
// sqlx.In expansion composes with everything else.
type PostgresStore struct {
	db *sqlx.DB        // nil when transaction-scoped
	q  sqlx.ExtContext // db or tx
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a PostgresStore over an open connection pool.
func NewPostgres(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool. Transaction-scoped stores are not
// closable.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn against a transaction-scoped store. Nested calls reuse the
// surrounding transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&PostgresStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to the pgx dollar form.
func (s *PostgresStore) rebind(query string) string {
	return s.q.Rebind(query)
}
