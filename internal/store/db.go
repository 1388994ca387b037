// Package store is the data-access layer. Every mutation runs inside
// RunInTx; rows that participate in a read-validate-write sequence are
// read with the Lock* helpers so concurrent writers serialize on them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type DB struct {
	Bun        *bun.DB
	log        *logger.Logger
	maxRetries uint64
}

type Option func(*DB)

func WithLogger(l *logger.Logger) Option {
	return func(d *DB) { d.log = l }
}

// WithMaxRetries bounds how often a transaction is re-run after a serialization conflict.
func WithMaxRetries(n uint64) Option {
	return func(d *DB) { d.maxRetries = n }
}

func New(bunDB *bun.DB, opts ...Option) *DB {
	d := &DB{Bun: bunDB, log: logger.Discard(), maxRetries: 3}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// OpenPostgres connects through lib/pq and wraps the pool with the pg dialect.
func OpenPostgres(dsn string, pool PoolConfig, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.MaxLifetime)
	}
	return New(bun.NewDB(sqlDB, pgdialect.New()), opts...), nil
}

// OpenSQLite opens a single-connection SQLite database. Transactions
// serialize on that connection, which stands in for row locks.
func OpenSQLite(dsn string, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return New(bun.NewDB(sqlDB, sqlitedialect.New()), opts...), nil
}

// SQLitePrefix selects the SQLite dev database in Open.
const SQLitePrefix = "sqlite://"

// Open picks the driver from the DSN: sqlite://<path> opens SQLite, anything
// else is handed to lib/pq.
func Open(dsn string, pool PoolConfig, opts ...Option) (*DB, error) {
	if path, ok := strings.CutPrefix(dsn, SQLitePrefix); ok {
		return OpenSQLite(path, opts...)
	}
	if dsn == "" {
		return nil, errors.New("no database DSN configured")
	}
	return OpenPostgres(dsn, pool, opts...)
}

func (d *DB) IsPostgres() bool {
	return d.Bun.Dialect().Name() == dialect.PG
}

func (d *DB) Close() error {
	return d.Bun.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Bun.PingContext(ctx)
}

// RunInTx runs fn in one transaction and re-runs the whole transaction on
// serialization failures, deadlocks and busy errors. fn must only use tx.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			d.log.Warn("DATABASE", fmt.Sprintf("transaction conflict on attempt %d: %v", attempt, err))
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, d.maxRetries), ctx))
}

// ErrStaleWrite is returned when a conditional update matched no rows
// because another transaction got there first.
var ErrStaleWrite = apperrors.Conflict("STALE_WRITE", "concurrent modification")

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	if errors.Is(err, ErrStaleWrite) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// forUpdate adds FOR UPDATE where the dialect has row locks.
func forUpdate(db bun.IDB, q *bun.SelectQuery) *bun.SelectQuery {
	if db.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(resource, id)
	}
	return fmt.Errorf("load %s %s: %w", resource, id, err)
}
