package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	OrderCode string `json:"orderCode"`
	Amount    string `json:"amount"`
}

func TestQueueFor(t *testing.T) {
	tests := []struct {
		typ   Type
		queue Queue
	}{
		{TypeCreateOrder, QueueCreateOrder},
		{TypeOrderCreated, QueueOrderCreated},
		{TypeCalculateDailyTotalSales, QueueDailyTotalSales},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			q, err := QueueFor(tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.queue, q)
		})
	}

	_, err := QueueFor("order.deleted")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestQueueDeadLetter(t *testing.T) {
	assert.Equal(t, Queue("create-order-command-queue.dead"), QueueCreateOrder.DeadLetter())
	assert.Len(t, Queues(), 3)
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	at := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	env, err := New(TypeCreateOrder, testPayload{OrderCode: "A1", Amount: "10.00"},
		WithMessageID("msg-1"),
		WithIdempotencyKey("key-1"),
		WithCorrelationID("req-1"),
		WithTime(at),
	)
	require.NoError(t, err)

	body, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", got.ID())
	assert.Equal(t, TypeCreateOrder, got.Type())
	assert.Equal(t, "key-1", got.IdempotencyKey())
	assert.Equal(t, "req-1", got.CorrelationID())
	assert.True(t, at.Equal(got.Time()))

	var p testPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "A1", p.OrderCode)
	assert.Equal(t, "10.00", p.Amount)
}

func TestEnvelope_RandomIDs(t *testing.T) {
	a, err := New(TypeOrderCreated, testPayload{})
	require.NoError(t, err)
	b, err := New(TypeOrderCreated, testPayload{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Empty(t, a.IdempotencyKey())
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New("order.deleted", testPayload{})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"not json":     []byte("{"),
		"missing id":   []byte(`{"specversion":"1.0","type":"order.create","source":"x"}`),
		"unknown type": []byte(`{"specversion":"1.0","id":"1","type":"order.deleted","source":"x"}`),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(body)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodePayload_Mismatch(t *testing.T) {
	env, err := New(TypeCreateOrder, map[string]any{"orderCode": 42})
	require.NoError(t, err)

	var p testPayload
	require.ErrorIs(t, env.DecodePayload(&p), ErrMalformed)
}

func TestCorrelationIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationIDFromContext(ctx))
	assert.Equal(t, ctx, ContextWithCorrelationID(ctx, ""))

	ctx = ContextWithCorrelationID(ctx, "req-7")
	assert.Equal(t, "req-7", CorrelationIDFromContext(ctx))
}
