package handler

import (
	"context"

	"github.com/xenking/order-pipeline/internal/consumer"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/message"
)

// CreateOrder handles a create order command. The envelope message ID is the
// idempotency key when the command carries none.
func (h *Handler) CreateOrder(ctx context.Context, env *message.Envelope) error {
	var cmd order.CreateOrderCommand
	if err := decode(env, message.TypeCreateOrder, &cmd); err != nil {
		return err
	}
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = env.IdempotencyKey()
	}

	if _, err := h.orders.CreateOrder(ctx, cmd, env.ID()); err != nil {
		return mapOrderError(err)
	}
	return nil
}

// mapOrderError marks content errors as permanent. Everything else is left
// to the retry policy.
func mapOrderError(err error) error {
	if order.IsRejected(err) {
		return consumer.Permanent(err)
	}
	return err
}
