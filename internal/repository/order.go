package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/order-pipeline/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (order_code, order_date, total_price, idempotency_key)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (idempotency_key) DO NOTHING
	RETURNING id, created_at`

	selectOrderColumns = `SELECT id, order_code, order_date, total_price, idempotency_key, created_at FROM orders`

	orderCodeConstraint = "orders_order_code_key"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository that uses the given DB.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts o in its own transaction. A conflicting idempotency key
// resolves to the stored order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) (*order.Order, bool, error) {
	var (
		stored  *order.Order
		created bool
	)
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		stored, created = nil, false

		row := *o
		err := tx.QueryRow(ctx, insertOrderSQL,
			o.OrderCode, o.OrderDate, o.TotalPrice, o.IdempotencyKey,
		).Scan(&row.ID, &row.CreatedAt)
		switch {
		case err == nil:
			stored, created = &row, true
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			existing, err := scanOrder(tx.QueryRow(ctx, selectOrderColumns+` WHERE idempotency_key = $1`, o.IdempotencyKey))
			if err != nil {
				return fmt.Errorf("loading order by key %q: %w", o.IdempotencyKey, err)
			}
			stored = existing
			return nil
		case isUniqueViolation(err, orderCodeConstraint):
			return fmt.Errorf("order %q: %w", o.OrderCode, order.ErrDuplicateOrderCode)
		default:
			return fmt.Errorf("creating order %q: %w", o.OrderCode, err)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetByCode returns the order with the given code.
func (r *OrderRepository) GetByCode(ctx context.Context, code string) (*order.Order, error) {
	var o *order.Order
	err := r.db.retry(ctx, func(ctx context.Context) error {
		var err error
		o, err = scanOrder(r.db.pool.QueryRow(ctx, selectOrderColumns+` WHERE order_code = $1`, code))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", code, err)
	}
	return o, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var o order.Order
	err := row.Scan(&o.ID, &o.OrderCode, &o.OrderDate, &o.TotalPrice, &o.IdempotencyKey, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.OrderDate = o.OrderDate.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}
