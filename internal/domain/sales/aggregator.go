package sales

import (
	"context"
	"fmt"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// MaxRangeDays bounds the span of a Range query.
const MaxRangeDays = 366

// Aggregator applies order contributions to daily totals.
type Aggregator struct {
	repo Repository
}

// NewAggregator creates an Aggregator over repo.
func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Apply adds c to its day exactly once. Applying the same order again is a
// no-op reported by applied=false.
func (a *Aggregator) Apply(ctx context.Context, c Contribution) (applied bool, err error) {
	if c.OrderID <= 0 {
		return false, fmt.Errorf("order id %d: %w", c.OrderID, ErrInvalidContribution)
	}
	if c.OrderDate.IsZero() {
		return false, fmt.Errorf("order %d has no date: %w", c.OrderID, ErrInvalidContribution)
	}
	if c.TotalPrice.IsNegative() {
		return false, fmt.Errorf("order %d has negative price: %w", c.OrderID, ErrInvalidContribution)
	}

	applied, err = a.repo.ApplyContribution(ctx, c)
	if err != nil {
		return false, fmt.Errorf("apply contribution: %w", err)
	}

	lg := zctx.From(ctx).With(
		zap.Int64("order_id", c.OrderID),
		zap.Stringer("date", c.Date()),
	)
	if applied {
		lg.Info("Daily total updated", zap.Stringer("amount", c.TotalPrice))
	} else {
		lg.Debug("Order already counted")
	}
	return applied, nil
}

// Get returns the total for d.
func (a *Aggregator) Get(ctx context.Context, d Date) (*DailyTotalSales, error) {
	return a.repo.Get(ctx, d)
}

// Range returns the totals of the days in [from, to].
func (a *Aggregator) Range(ctx context.Context, from, to Date) ([]DailyTotalSales, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%s..%s is reversed: %w", from, to, ErrInvalidRange)
	}
	if from.AddDays(MaxRangeDays).Before(to) {
		return nil, fmt.Errorf("%s..%s exceeds %d days: %w", from, to, MaxRangeDays, ErrInvalidRange)
	}
	return a.repo.Range(ctx, from, to)
}
