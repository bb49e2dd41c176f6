// Package postgres implements the repository ports against PostgreSQL using
// database/sql and github.com/lib/pq, following the teacher repository's
// store/db/postgres convention: hand-written $N-placeholder SQL, explicit
// BeginTx/Rollback/Commit, fmt.Errorf("...: %w", err) wrapping.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/duty-duck/duty-duck-sub000/internal/repository"
)

// DB is the Postgres-backed UnitOfWork and the home of the placeholder
// helpers every repository in this package shares.
type DB struct {
	db *sql.DB
}

// NewDB opens a connection pool against dsn and applies maxConns as the
// upper bound on open connections, mirroring the teacher's db.NewDBDriver
// sizing knob (`database_max_connections` in spec.md §6).
func NewDB(dsn string, maxConns int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// WithinTx opens one transaction, runs fn, and commits on success or rolls
// back on any error (including a panic recovered and re-raised). This is
// the "open a transaction ... commit" step every component's batch
// algorithm performs in spec.md §4.
func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.Querier) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholder returns the $N positional placeholder pq expects.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// placeholders returns a comma-joined list of $1..$n, for multi-value
// INSERT statements.
func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}
