package handler

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-pipeline/internal/broker/memory"
	"github.com/xenking/order-pipeline/internal/consumer"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/gateway"
	"github.com/xenking/order-pipeline/internal/inbox"
	"github.com/xenking/order-pipeline/internal/message"
	store "github.com/xenking/order-pipeline/internal/storage/memory"
)

type fixture struct {
	h      *Handler
	broker *memory.Broker
	orders *store.OrderRepository
	sales  *store.SalesRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })

	gw := gateway.New(b)
	orders := store.NewOrderRepository()
	salesRepo := store.NewSalesRepository()
	return &fixture{
		h: NewHandler(
			order.NewService(orders, gw),
			sales.NewTrigger(gw, inbox.NewMemory(time.Hour)),
			sales.NewAggregator(salesRepo),
		),
		broker: b,
		orders: orders,
		sales:  salesRepo,
	}
}

func envelope(t *testing.T, typ message.Type, payload any, opts ...message.Option) *message.Envelope {
	t.Helper()
	env, err := message.New(typ, payload, opts...)
	require.NoError(t, err)
	return env
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)

	env := envelope(t, message.TypeCreateOrder, order.CreateOrderCommand{
		OrderCode:  "A1",
		TotalPrice: decimal.RequireFromString("10.00"),
	})
	require.NoError(t, f.h.CreateOrder(context.Background(), env))
	// Redelivery of the same envelope.
	require.NoError(t, f.h.CreateOrder(context.Background(), env))

	assert.Equal(t, 1, f.orders.Len())
	assert.Equal(t, 2, f.broker.Pending(message.QueueOrderCreated))
}

func TestCreateOrder_EnvelopeIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	cmd := order.CreateOrderCommand{OrderCode: "A1", TotalPrice: decimal.NewFromInt(1)}

	first := envelope(t, message.TypeCreateOrder, cmd, message.WithIdempotencyKey("client"))
	second := envelope(t, message.TypeCreateOrder, cmd, message.WithIdempotencyKey("client"))
	require.NoError(t, f.h.CreateOrder(context.Background(), first))
	require.NoError(t, f.h.CreateOrder(context.Background(), second))

	assert.Equal(t, 1, f.orders.Len())
}

func TestCreateOrder_Rejected(t *testing.T) {
	tests := map[string]order.CreateOrderCommand{
		"negative price": {OrderCode: "A1", TotalPrice: decimal.RequireFromString("-1.00")},
		"empty code":     {OrderCode: "", TotalPrice: decimal.NewFromInt(1)},
	}
	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)

			err := f.h.CreateOrder(context.Background(), envelope(t, message.TypeCreateOrder, cmd))
			require.Error(t, err)
			assert.True(t, consumer.IsPermanent(err))
			assert.Zero(t, f.orders.Len())
			assert.Zero(t, f.broker.Pending(message.QueueOrderCreated))
		})
	}
}

func TestCreateOrder_WrongPayload(t *testing.T) {
	f := newFixture(t)

	err := f.h.CreateOrder(context.Background(),
		envelope(t, message.TypeCreateOrder, map[string]any{"totalPrice": []int{1}}))
	assert.True(t, consumer.IsPermanent(err))

	err = f.h.CreateOrder(context.Background(),
		envelope(t, message.TypeOrderCreated, order.CreatedEvent{OrderID: 1}))
	assert.True(t, consumer.IsPermanent(err))
}

func TestCreateOrder_PublishFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.broker.Close())

	err := f.h.CreateOrder(context.Background(), envelope(t, message.TypeCreateOrder, order.CreateOrderCommand{
		OrderCode:  "A1",
		TotalPrice: decimal.NewFromInt(1),
	}))
	require.Error(t, err)
	assert.False(t, consumer.IsPermanent(err))
	// Persisted; the retry publishes the event.
	assert.Equal(t, 1, f.orders.Len())
}

func TestOrderCreated(t *testing.T) {
	f := newFixture(t)

	env := envelope(t, message.TypeOrderCreated, order.CreatedEvent{
		OrderID:    1,
		OrderCode:  "A1",
		OrderDate:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		TotalPrice: decimal.RequireFromString("10.00"),
	})
	require.NoError(t, f.h.OrderCreated(context.Background(), env))
	require.NoError(t, f.h.OrderCreated(context.Background(), env))

	assert.Equal(t, 1, f.broker.Pending(message.QueueDailyTotalSales))
}

func TestDailyTotalSales(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i, price := range []string{"10.00", "5.50"} {
		env := envelope(t, message.TypeCalculateDailyTotalSales, sales.Contribution{
			OrderID:    int64(i + 1),
			OrderDate:  at,
			TotalPrice: decimal.RequireFromString(price),
		})
		require.NoError(t, f.h.DailyTotalSales(context.Background(), env))
		require.NoError(t, f.h.DailyTotalSales(context.Background(), env))
	}

	got, err := f.sales.Get(context.Background(), sales.Day(at))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("15.50").Equal(got.Total))
	assert.EqualValues(t, 2, got.Count)
}

func TestDailyTotalSales_InvalidContribution(t *testing.T) {
	f := newFixture(t)

	err := f.h.DailyTotalSales(context.Background(),
		envelope(t, message.TypeCalculateDailyTotalSales, sales.Contribution{OrderID: 0}))
	require.Error(t, err)
	assert.True(t, consumer.IsPermanent(err))
	assert.True(t, errors.Is(err, sales.ErrInvalidContribution))
}

func TestBindings(t *testing.T) {
	f := newFixture(t)

	bindings := f.h.Bindings(8, consumer.RetryPolicy{})
	require.Len(t, bindings, 3)
	queues := make([]message.Queue, len(bindings))
	for i, b := range bindings {
		queues[i] = b.Queue
		assert.Equal(t, 8, b.Prefetch)
		require.NotNil(t, b.Retry)
		assert.Equal(t, consumer.RetryPolicy{}, *b.Retry)
	}
	assert.Equal(t, message.Queues(), queues)
}
