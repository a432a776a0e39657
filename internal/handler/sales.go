package handler

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/order-pipeline/internal/consumer"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/message"
)

// OrderCreated forwards an order created event to the daily total queue.
func (h *Handler) OrderCreated(ctx context.Context, env *message.Envelope) error {
	var e order.CreatedEvent
	if err := decode(env, message.TypeOrderCreated, &e); err != nil {
		return err
	}
	return h.trigger.OnOrderCreated(ctx, sales.Contribution{
		OrderID:    e.OrderID,
		OrderDate:  e.OrderDate,
		TotalPrice: e.TotalPrice,
	})
}

// DailyTotalSales applies one order to its day's total.
func (h *Handler) DailyTotalSales(ctx context.Context, env *message.Envelope) error {
	var c sales.Contribution
	if err := decode(env, message.TypeCalculateDailyTotalSales, &c); err != nil {
		return err
	}
	if _, err := h.aggregator.Apply(ctx, c); err != nil {
		if errors.Is(err, sales.ErrInvalidContribution) {
			return consumer.Permanent(err)
		}
		return err
	}
	return nil
}
