// Package sales maintains daily sales totals derived from order events.
package sales

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DateLayout is the textual form of a Date.
const DateLayout = time.DateOnly

// Date is a UTC calendar day.
type Date struct {
	t time.Time
}

// Day returns the UTC calendar day containing t.
func Day(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, errors.Wrapf(err, "parse date %q", s)
	}
	return Day(t), nil
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

func (d Date) String() string { return d.t.Format(DateLayout) }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d.t.IsZero() }

// Before reports whether d is an earlier day than o.
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Contribution is the share of one order in its day's total. It is the
// payload of the daily total trigger message.
type Contribution struct {
	OrderID    int64           `json:"orderId"`
	OrderDate  time.Time       `json:"orderDate"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// Date returns the day the contribution belongs to.
func (c Contribution) Date() Date { return Day(c.OrderDate) }

// DailyTotalSales is the aggregate for one day.
type DailyTotalSales struct {
	Date      Date
	Total     decimal.Decimal
	Count     int64
	UpdatedAt time.Time
}

var (
	// ErrNotFound is returned when no order was aggregated for a day.
	ErrNotFound = errors.New("daily total not found")
	// ErrInvalidContribution is returned for a contribution that can never
	// be applied.
	ErrInvalidContribution = errors.New("invalid contribution")
	// ErrInvalidRange is returned for a reversed or too long date range.
	ErrInvalidRange = errors.New("invalid date range")
)

// Repository stores daily totals together with per-order applied markers.
type Repository interface {
	// ApplyContribution atomically records c as applied and adds it to its
	// day. It returns false without changing the total when c was applied
	// before. Updates of the same day are serialized.
	ApplyContribution(ctx context.Context, c Contribution) (applied bool, err error)
	Get(ctx context.Context, d Date) (*DailyTotalSales, error)
	// Range returns the days in [from, to] that have a total, ascending.
	Range(ctx context.Context, from, to Date) ([]DailyTotalSales, error)
}
