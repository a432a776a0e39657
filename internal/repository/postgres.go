package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/jackc/pgerrcode"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-pipeline/db"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, db.Schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// RetryConfig controls retries of transient storage failures.
type RetryConfig struct {
	// Attempts is the number of retries after the first try.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig retries three times with exponential backoff capped at
// 30 seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// DB wraps the pool with transactional units of work and retries.
type DB struct {
	pool    *pgxpool.Pool
	retries RetryConfig
	builder sq.StatementBuilderType
}

// NewDB returns a DB over pool.
func NewDB(pool *pgxpool.Pool, retries RetryConfig) *DB {
	return &DB{
		pool:    pool,
		retries: retries,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// InTx runs fn in a transaction and commits it. The transaction is always
// released: a rollback after a successful commit is a no-op. The whole unit
// is retried on transient failures, so fn must not have side effects outside
// the transaction.
func (d *DB) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return d.retry(ctx, func(ctx context.Context) error {
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// retry runs fn until it succeeds, fails with a non-transient error or the
// attempts run out.
func (d *DB) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retries.InitialDelay
	b.MaxInterval = d.retries.MaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(d.retries.Attempts, 0)+1)),
	)
	return err
}

// isTransient reports whether err is worth retrying: connection problems,
// serialization conflicts, deadlocks and server shutdowns.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == constraint
}
