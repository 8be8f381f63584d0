// Package postgres is the pgx-backed storage backend: command rows, the
// append-only event log with its archive partition, and the notification
// outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store
// code serves auto-commit and transactional access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates the backend over a connection pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

var _ store.Store = (*Store)(nil)

// Commands returns auto-commit command access.
func (s *Store) Commands() store.Commands { return &commands{q: s.pool} }

// Events returns auto-commit event access.
func (s *Store) Events() store.Events { return &events{q: s.pool} }

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &medication.TransientError{Err: fmt.Errorf("begin tx: %w", err)}
	}
	return &tx{pgtx: pgtx}, nil
}

type tx struct {
	pgtx pgx.Tx
}

func (t *tx) Commands() store.Commands { return &commands{q: t.pgtx} }
func (t *tx) Events() store.Events     { return &events{q: t.pgtx} }

func (t *tx) Commit(ctx context.Context) error {
	if err := t.pgtx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.pgtx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// classify maps driver errors onto the engine taxonomy. Serialization
// failures, deadlocks, and connection-level trouble are transient; the rest
// surfaces as-is for the coordinator's fatal path.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return &medication.TransientError{Err: err}
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return &medication.TransientError{Err: err}
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return &medication.TransientError{Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &medication.TransientError{Err: err}
	}
	return err
}

// isUniqueViolation reports whether err is a unique-index conflict,
// optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
