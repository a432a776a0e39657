// Package memory provides in-process implementations of the domain
// repositories for tests and single-process local runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xenking/order-pipeline/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository in memory.
type OrderRepository struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]*order.Order
	byCode map[string]*order.Order
	now    func() time.Time
}

// NewOrderRepository returns an empty OrderRepository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		byKey:  make(map[string]*order.Order),
		byCode: make(map[string]*order.Order),
		now:    time.Now,
	}
}

// Create stores o under its idempotency key and order code.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) (*order.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[o.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if _, ok := r.byCode[o.OrderCode]; ok {
		return nil, false, order.ErrDuplicateOrderCode
	}

	r.nextID++
	stored := *o
	stored.ID = r.nextID
	stored.CreatedAt = r.now().UTC()
	r.byKey[stored.IdempotencyKey] = &stored
	r.byCode[stored.OrderCode] = &stored

	cp := stored
	return &cp, true, nil
}

// GetByCode returns the order with the given code.
func (r *OrderRepository) GetByCode(_ context.Context, code string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.byCode[code]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// Len returns the number of stored orders.
func (r *OrderRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode)
}
