package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-pipeline/internal/domain/sales"
)

var _ sales.Repository = (*SalesRepository)(nil)

// bucket is one day. Its mutex serializes every update of that day; an
// order always maps to the same day, so the applied set lives here too.
type bucket struct {
	mu        sync.Mutex
	total     decimal.Decimal
	count     int64
	updatedAt time.Time
	applied   map[int64]struct{}
}

// SalesRepository implements sales.Repository in memory.
type SalesRepository struct {
	mu      sync.Mutex
	buckets map[sales.Date]*bucket
	now     func() time.Time
}

// NewSalesRepository returns an empty SalesRepository.
func NewSalesRepository() *SalesRepository {
	return &SalesRepository{
		buckets: make(map[sales.Date]*bucket),
		now:     time.Now,
	}
}

func (r *SalesRepository) bucket(d sales.Date, create bool) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[d]
	if !ok && create {
		b = &bucket{applied: make(map[int64]struct{})}
		r.buckets[d] = b
	}
	return b
}

// ApplyContribution adds c to its day unless the order was applied before.
func (r *SalesRepository) ApplyContribution(ctx context.Context, c sales.Contribution) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b := r.bucket(c.Date(), true)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.applied[c.OrderID]; ok {
		return false, nil
	}
	b.applied[c.OrderID] = struct{}{}
	b.total = b.total.Add(c.TotalPrice)
	b.count++
	b.updatedAt = r.now().UTC()
	return true, nil
}

// Get returns the total for d.
func (r *SalesRepository) Get(_ context.Context, d sales.Date) (*sales.DailyTotalSales, error) {
	b := r.bucket(d, false)
	if b == nil {
		return nil, sales.ErrNotFound
	}
	s := b.snapshot(d)
	return &s, nil
}

// Range returns the totals in [from, to] ascending by date.
func (r *SalesRepository) Range(_ context.Context, from, to sales.Date) ([]sales.DailyTotalSales, error) {
	r.mu.Lock()
	type dated struct {
		d sales.Date
		b *bucket
	}
	var found []dated
	for d, b := range r.buckets {
		if !d.Before(from) && !to.Before(d) {
			found = append(found, dated{d: d, b: b})
		}
	}
	r.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].d.Before(found[j].d) })
	out := make([]sales.DailyTotalSales, 0, len(found))
	for _, f := range found {
		out = append(out, f.b.snapshot(f.d))
	}
	return out, nil
}

func (b *bucket) snapshot(d sales.Date) sales.DailyTotalSales {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sales.DailyTotalSales{
		Date:      d,
		Total:     b.total,
		Count:     b.count,
		UpdatedAt: b.updatedAt,
	}
}
