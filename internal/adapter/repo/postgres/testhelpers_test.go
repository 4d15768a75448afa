package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row by delegating to an arbitrary scan func, so
// individual tests can script Scan's destination values without a live
// database.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

var errNoRowConfigured = errors.New("no row configured")

// poolStub implements postgres.PgxPool for tests; each method is backed by
// an optional function field so a test only wires up what it exercises.
type poolStub struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	beginTxFn  func(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

func (p *poolStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.execFn != nil {
		return p.execFn(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (p *poolStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRowFn != nil {
		return p.queryRowFn(ctx, sql, args...)
	}
	return rowStub{scan: func(_ ...any) error { return errNoRowConfigured }}
}

func (p *poolStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn != nil {
		return p.queryFn(ctx, sql, args...)
	}
	return nil, errors.New("no query configured")
}

func (p *poolStub) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTxFn != nil {
		return p.beginTxFn(ctx, opts)
	}
	return nil, errors.New("no transaction configured")
}

// txStub implements pgx.Tx's Exec/Commit/Rollback surface used by FinalizeResult.
type txStub struct {
	pgx.Tx
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr  error
	rollbackErr error
}

func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.execFn(ctx, sql, args...)
}

func (t *txStub) Commit(_ context.Context) error   { return t.commitErr }
func (t *txStub) Rollback(_ context.Context) error { return t.rollbackErr }
