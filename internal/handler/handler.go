// Package handler adapts domain services to broker messages: it decodes
// payloads, calls the service and classifies failures for the consumer
// runtime.
package handler

import (
	"github.com/xenking/order-pipeline/internal/consumer"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/message"
)

// Handler holds the domain services message handlers delegate to.
type Handler struct {
	orders     *order.Service
	trigger    *sales.Trigger
	aggregator *sales.Aggregator
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(orders *order.Service, trigger *sales.Trigger, aggregator *sales.Aggregator) *Handler {
	return &Handler{
		orders:     orders,
		trigger:    trigger,
		aggregator: aggregator,
	}
}

// Bindings returns one binding per work queue sharing prefetch and retry.
func (h *Handler) Bindings(prefetch int, retry consumer.RetryPolicy) []consumer.Binding {
	return []consumer.Binding{
		{
			Queue:    message.QueueCreateOrder,
			Prefetch: prefetch,
			Retry:    &retry,
			Handler:  consumer.HandlerFunc(h.CreateOrder),
		},
		{
			Queue:    message.QueueOrderCreated,
			Prefetch: prefetch,
			Retry:    &retry,
			Handler:  consumer.HandlerFunc(h.OrderCreated),
		},
		{
			Queue:    message.QueueDailyTotalSales,
			Prefetch: prefetch,
			Retry:    &retry,
			Handler:  consumer.HandlerFunc(h.DailyTotalSales),
		},
	}
}

// decode unmarshals the payload, treating a type mismatch as permanent.
func decode(env *message.Envelope, want message.Type, v any) error {
	if env.Type() != want {
		return consumer.Permanent(&unexpectedTypeError{got: env.Type(), want: want})
	}
	if err := env.DecodePayload(v); err != nil {
		return consumer.Permanent(err)
	}
	return nil
}

type unexpectedTypeError struct {
	got, want message.Type
}

func (e *unexpectedTypeError) Error() string {
	return "unexpected message type " + string(e.got) + ", want " + string(e.want)
}
