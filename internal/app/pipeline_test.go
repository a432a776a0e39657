package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/order-pipeline/internal/broker/memory"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/message"
)

func memoryConfig() *Config {
	return &Config{
		Addr:    defaultAddr,
		Storage: StorageConfig{Driver: DriverMemory},
		Broker: BrokerConfig{
			Driver:         DriverMemory,
			Prefetch:       16,
			Retry:          ConsumerRetryConfig{Limit: 3, Interval: 10 * time.Millisecond},
			PublishTimeout: time.Second,
		},
		Inbox:     InboxConfig{Driver: DriverMemory, TTL: time.Hour},
		RateLimit: RateLimitConfig{Max: 1000, Window: time.Minute},
		Graceful:  GracefulConfig{ShutdownTimeout: time.Second},
	}
}

type running struct {
	*Pipeline
	broker *memory.Broker
}

func startPipeline(t *testing.T, cfg *Config) running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	p, err := NewPipeline(ctx, zaptest.NewLogger(t), cfg, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Runtime.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		p.Close()
	})

	b, ok := p.Broker.(*memory.Broker)
	require.True(t, ok)
	return running{Pipeline: p, broker: b}
}

func waitForTotal(t *testing.T, p running, day sales.Date, total string, count int64) {
	t.Helper()
	want := decimal.RequireFromString(total)
	require.Eventually(t, func() bool {
		got, err := p.Aggregator.Get(context.Background(), day)
		return err == nil && got.Total.Equal(want) && got.Count == count
	}, 5*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, p running, code, price string, at time.Time) {
	t.Helper()
	_, err := p.Gateway.SendCreateOrder(context.Background(), order.CreateOrderCommand{
		OrderCode:  code,
		TotalPrice: decimal.RequireFromString(price),
		OrderDate:  &at,
	})
	require.NoError(t, err)
}

var jan1 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func TestPipeline_DailyTotal(t *testing.T) {
	p := startPipeline(t, memoryConfig())

	send(t, p, "A1", "10.00", jan1)
	send(t, p, "A2", "5.50", jan1.Add(2*time.Hour))

	waitForTotal(t, p, sales.Day(jan1), "15.50", 2)
	for _, q := range message.Queues() {
		assert.Empty(t, p.broker.DeadLetters(q), q)
	}
}

func TestPipeline_NegativePriceDeadLettered(t *testing.T) {
	p := startPipeline(t, memoryConfig())

	send(t, p, "A1", "-1.00", jan1)

	require.Eventually(t, func() bool {
		return len(p.broker.DeadLetters(message.QueueCreateOrder)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	dl := p.broker.DeadLetters(message.QueueCreateOrder)[0]
	assert.Contains(t, dl.Reason, order.ErrNegativePrice.Error())

	_, err := p.Aggregator.Get(context.Background(), sales.Day(jan1))
	assert.ErrorIs(t, err, sales.ErrNotFound)
	assert.Zero(t, p.broker.Acked(message.QueueOrderCreated))
}

func TestPipeline_RedeliveryCountedOnce(t *testing.T) {
	p := startPipeline(t, memoryConfig())

	send(t, p, "A1", "10.00", jan1)
	waitForTotal(t, p, sales.Day(jan1), "10.00", 1)

	// The same order event and trigger arrive again, e.g. after a consumer
	// crash before ack.
	ctx := context.Background()
	e := order.CreatedEvent{OrderID: 1, OrderCode: "A1", OrderDate: jan1, TotalPrice: decimal.RequireFromString("10.00")}
	c := sales.Contribution{OrderID: 1, OrderDate: jan1, TotalPrice: e.TotalPrice}
	for range 3 {
		require.NoError(t, p.Gateway.PublishOrderCreated(ctx, e))
		require.NoError(t, p.Gateway.PublishDailyTotalTrigger(ctx, c))
	}

	require.Eventually(t, func() bool {
		return p.broker.Acked(message.QueueOrderCreated) == 4 &&
			p.broker.Acked(message.QueueDailyTotalSales) == 4
	}, 5*time.Second, 5*time.Millisecond)
	waitForTotal(t, p, sales.Day(jan1), "10.00", 1)
}

func TestPipeline_ConcurrentOrdersSameDay(t *testing.T) {
	p := startPipeline(t, memoryConfig())

	const n = 50
	for i := range n {
		send(t, p, "C"+strconv.Itoa(i), "1.25", jan1.Add(time.Duration(i)*time.Minute))
	}
	waitForTotal(t, p, sales.Day(jan1), "62.50", n)
}

func TestPipeline_WithoutInbox(t *testing.T) {
	cfg := memoryConfig()
	cfg.Inbox.Driver = DriverNone
	p := startPipeline(t, cfg)

	send(t, p, "A1", "3.00", jan1)
	waitForTotal(t, p, sales.Day(jan1), "3.00", 1)
}

func TestNewPipeline_BadStorage(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = DriverPostgres
	cfg.DatabaseURL = "not a url"

	_, err := NewPipeline(context.Background(), zaptest.NewLogger(t), cfg, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.Error(t, err)
}

func TestNewPipeline_RedisUnavailable(t *testing.T) {
	cfg := memoryConfig()
	cfg.Inbox = InboxConfig{Driver: DriverRedis, RedisAddr: "127.0.0.1:1", TTL: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := NewPipeline(ctx, zaptest.NewLogger(t), cfg, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.ErrorContains(t, err, "connect redis")
}
