package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Order is a persisted order. ID and OrderCode never change after creation.
type Order struct {
	ID             int64
	OrderCode      string
	OrderDate      time.Time
	TotalPrice     decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
}

// CreateOrderCommand asks for an order to be created.
type CreateOrderCommand struct {
	OrderCode  string          `json:"orderCode"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	// IdempotencyKey makes redelivery of the same command safe. When empty
	// the message ID of the carrying envelope is used.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// OrderDate backdates the order, e.g. for imports. Defaults to now.
	OrderDate *time.Time `json:"orderDate,omitempty"`
}

// CreatedEvent is published once an order is persisted.
type CreatedEvent struct {
	OrderID    int64           `json:"orderId"`
	OrderCode  string          `json:"orderCode"`
	OrderDate  time.Time       `json:"orderDate"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// EventFor builds the event announcing o.
func EventFor(o *Order) CreatedEvent {
	return CreatedEvent{
		OrderID:    o.ID,
		OrderCode:  o.OrderCode,
		OrderDate:  o.OrderDate,
		TotalPrice: o.TotalPrice,
	}
}

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateOrderCode is returned when a different command already
	// created an order with the same code.
	ErrDuplicateOrderCode = errors.New("order code already exists")
	// ErrIdempotencyKeyReused is returned when an idempotency key is sent
	// again with a different order.
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different order")
)

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts o and assigns its ID. When an order with the same
	// idempotency key already exists it is returned instead and created is
	// false. An order code taken under another key yields
	// ErrDuplicateOrderCode.
	Create(ctx context.Context, o *Order) (stored *Order, created bool, err error)
	GetByCode(ctx context.Context, code string) (*Order, error)
}
