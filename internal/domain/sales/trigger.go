package sales

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// TriggerPublisher requests recalculation of a day's total.
type TriggerPublisher interface {
	PublishDailyTotalTrigger(ctx context.Context, c Contribution) error
}

// Marker remembers processed keys.
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Trigger reacts to created orders by requesting a daily total update.
//
// Markers only save redundant publishes. Correctness under redelivery comes
// from the applied markers kept by the Repository.
type Trigger struct {
	pub   TriggerPublisher
	marks Marker
}

// NewTrigger creates a Trigger. marks may be nil.
func NewTrigger(pub TriggerPublisher, marks Marker) *Trigger {
	return &Trigger{pub: pub, marks: marks}
}

func markerKey(orderID int64) string {
	return "order-created:" + strconv.FormatInt(orderID, 10)
}

// OnOrderCreated publishes the daily total trigger for a new order.
func (t *Trigger) OnOrderCreated(ctx context.Context, c Contribution) error {
	lg := zctx.From(ctx).With(zap.Int64("order_id", c.OrderID))
	key := markerKey(c.OrderID)

	if t.marks != nil {
		seen, err := t.marks.Seen(ctx, key)
		switch {
		case err != nil:
			lg.Warn("Inbox lookup failed, publishing anyway", zap.Error(err))
		case seen:
			lg.Debug("Order event already handled")
			return nil
		}
	}

	if err := t.pub.PublishDailyTotalTrigger(ctx, c); err != nil {
		return fmt.Errorf("publish daily total trigger: %w", err)
	}

	if t.marks != nil {
		if err := t.marks.Mark(ctx, key); err != nil {
			return fmt.Errorf("mark %s: %w", key, err)
		}
	}
	return nil
}
