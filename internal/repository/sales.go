package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/order-pipeline/internal/domain/sales"
)

const (
	insertContributionSQL = `INSERT INTO daily_sales_contributions (order_id, day, amount)
	VALUES ($1, $2, $3)
	ON CONFLICT (order_id) DO NOTHING`

	// The row lock taken by ON CONFLICT DO UPDATE serializes concurrent
	// updates of the same day.
	upsertDailyTotalSQL = `INSERT INTO daily_total_sales (day, total, order_count, updated_at)
	VALUES ($1, $2, 1, now())
	ON CONFLICT (day) DO UPDATE SET
		total = daily_total_sales.total + EXCLUDED.total,
		order_count = daily_total_sales.order_count + 1,
		updated_at = EXCLUDED.updated_at`
)

var dailyTotalColumns = []string{"day", "total", "order_count", "updated_at"}

var _ sales.Repository = (*SalesRepository)(nil)

// SalesRepository implements sales.Repository backed by PostgreSQL.
type SalesRepository struct {
	db *DB
}

// NewSalesRepository returns a SalesRepository that uses the given DB.
func NewSalesRepository(db *DB) *SalesRepository {
	return &SalesRepository{db: db}
}

// ApplyContribution records the applied marker and updates the day in one
// transaction.
func (r *SalesRepository) ApplyContribution(ctx context.Context, c sales.Contribution) (bool, error) {
	var applied bool
	day := c.Date().Time()
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		applied = false

		tag, err := tx.Exec(ctx, insertContributionSQL, c.OrderID, day, c.TotalPrice)
		if err != nil {
			return fmt.Errorf("marking order %d: %w", c.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, upsertDailyTotalSQL, day, c.TotalPrice); err != nil {
			return fmt.Errorf("updating total of %s: %w", c.Date(), err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Get returns the total for d.
func (r *SalesRepository) Get(ctx context.Context, d sales.Date) (*sales.DailyTotalSales, error) {
	query, args, err := r.db.builder.
		Select(dailyTotalColumns...).
		From("daily_total_sales").
		Where(sq.Eq{"day": d.Time()}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var out sales.DailyTotalSales
	err = r.db.retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanDailyTotal(r.db.pool.QueryRow(ctx, query, args...))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sales.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting total of %s: %w", d, err)
	}
	return &out, nil
}

// Range returns the totals in [from, to] ascending by date.
func (r *SalesRepository) Range(ctx context.Context, from, to sales.Date) ([]sales.DailyTotalSales, error) {
	query, args, err := r.db.builder.
		Select(dailyTotalColumns...).
		From("daily_total_sales").
		Where(sq.GtOrEq{"day": from.Time()}).
		Where(sq.LtOrEq{"day": to.Time()}).
		OrderBy("day").
		ToSql()
	if err != nil {
		return nil, err
	}

	var out []sales.DailyTotalSales
	err = r.db.retry(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (sales.DailyTotalSales, error) {
			return scanDailyTotal(row)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing totals %s..%s: %w", from, to, err)
	}
	return out, nil
}

func scanDailyTotal(row pgx.Row) (sales.DailyTotalSales, error) {
	var (
		out sales.DailyTotalSales
		day time.Time
	)
	if err := row.Scan(&day, &out.Total, &out.Count, &out.UpdatedAt); err != nil {
		return sales.DailyTotalSales{}, err
	}
	out.Date = sales.Day(day)
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}
