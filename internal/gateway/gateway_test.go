package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-pipeline/internal/broker"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/message"
)

type published struct {
	queue message.Queue
	msg   broker.Message
}

type fakeBroker struct {
	mu       sync.Mutex
	sent     []published
	err      error
	deadline bool
}

func (f *fakeBroker) Publish(ctx context.Context, q message.Queue, msg broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{queue: q, msg: msg})
	return nil
}

func (f *fakeBroker) Subscribe(context.Context, message.Queue, int) (<-chan broker.Delivery, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBroker) Ping(context.Context) error { return nil }
func (f *fakeBroker) Close() error               { return nil }

func decodeSent(t *testing.T, p published) *message.Envelope {
	t.Helper()
	env, err := message.Decode(p.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, env.ID(), p.msg.ID)
	return env
}

func TestSendCreateOrder(t *testing.T) {
	b := &fakeBroker{}
	g := New(b)

	ctx := message.ContextWithCorrelationID(context.Background(), "req-1")
	id, err := g.SendCreateOrder(ctx, order.CreateOrderCommand{
		OrderCode:      "A1",
		TotalPrice:     decimal.RequireFromString("10.00"),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, b.sent, 1)
	assert.Equal(t, message.QueueCreateOrder, b.sent[0].queue)
	assert.True(t, b.deadline)

	env := decodeSent(t, b.sent[0])
	assert.Equal(t, id, env.ID())
	assert.Equal(t, message.TypeCreateOrder, env.Type())
	assert.Equal(t, "key-1", env.IdempotencyKey())
	assert.Equal(t, "req-1", env.CorrelationID())

	var cmd order.CreateOrderCommand
	require.NoError(t, env.DecodePayload(&cmd))
	assert.Equal(t, "A1", cmd.OrderCode)
	assert.True(t, decimal.RequireFromString("10.00").Equal(cmd.TotalPrice))
}

func TestPublishOrderCreated_DerivedID(t *testing.T) {
	b := &fakeBroker{}
	g := New(b)

	e := order.CreatedEvent{
		OrderID:    42,
		OrderCode:  "A1",
		OrderDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalPrice: decimal.RequireFromString("10.00"),
	}
	require.NoError(t, g.PublishOrderCreated(context.Background(), e))
	require.NoError(t, g.PublishOrderCreated(context.Background(), e))

	require.Len(t, b.sent, 2)
	assert.Equal(t, message.QueueOrderCreated, b.sent[0].queue)
	assert.Equal(t, "order.created:42", b.sent[0].msg.ID)
	assert.Equal(t, b.sent[0].msg.ID, b.sent[1].msg.ID)

	var got order.CreatedEvent
	require.NoError(t, decodeSent(t, b.sent[0]).DecodePayload(&got))
	assert.Equal(t, e.OrderID, got.OrderID)
	assert.True(t, e.OrderDate.Equal(got.OrderDate))
}

func TestPublishDailyTotalTrigger(t *testing.T) {
	b := &fakeBroker{}
	g := New(b, WithPublishTimeout(0))

	c := sales.Contribution{OrderID: 7, OrderDate: time.Now(), TotalPrice: decimal.NewFromInt(3)}
	require.NoError(t, g.PublishDailyTotalTrigger(context.Background(), c))

	require.Len(t, b.sent, 1)
	assert.Equal(t, message.QueueDailyTotalSales, b.sent[0].queue)
	assert.Equal(t, "sales.daily-total.calculate:7", b.sent[0].msg.ID)
	assert.False(t, b.deadline)
}

func TestPublish_Errors(t *testing.T) {
	b := &fakeBroker{err: broker.ErrClosed}
	g := New(b)

	_, err := g.Publish(context.Background(), message.TypeOrderCreated, struct{}{})
	require.ErrorIs(t, err, broker.ErrClosed)

	_, err = g.Publish(context.Background(), "order.deleted", struct{}{})
	require.ErrorIs(t, err, message.ErrUnknownType)
}

func TestPublish_ExplicitCorrelationWins(t *testing.T) {
	b := &fakeBroker{}
	g := New(b)

	ctx := message.ContextWithCorrelationID(context.Background(), "from-ctx")
	_, err := g.Publish(ctx, message.TypeOrderCreated, struct{}{}, message.WithCorrelationID("explicit"))
	require.NoError(t, err)

	assert.Equal(t, "explicit", decodeSent(t, b.sent[0]).CorrelationID())
}
