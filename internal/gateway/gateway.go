// Package gateway publishes commands and events. It resolves the queue from
// the message type, so callers never name queues.
package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/order-pipeline/internal/broker"
	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
	"github.com/xenking/order-pipeline/internal/message"
)

// DefaultPublishTimeout bounds a single publish including the broker confirm.
const DefaultPublishTimeout = 5 * time.Second

// Option configures a Gateway.
type Option func(*Gateway)

// WithPublishTimeout overrides DefaultPublishTimeout. Zero disables it.
func WithPublishTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithTracerProvider sets the tracer provider for producer spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) { g.tracer = tp.Tracer("github.com/xenking/order-pipeline/internal/gateway") }
}

// Gateway is the single way messages enter the broker.
type Gateway struct {
	broker  broker.Broker
	timeout time.Duration
	tracer  trace.Tracer
}

var (
	_ order.EventPublisher   = (*Gateway)(nil)
	_ sales.TriggerPublisher = (*Gateway)(nil)
)

// New creates a Gateway over b.
func New(b broker.Broker, opts ...Option) *Gateway {
	g := &Gateway{
		broker:  b,
		timeout: DefaultPublishTimeout,
		tracer:  otel.Tracer("github.com/xenking/order-pipeline/internal/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Publish wraps payload in an envelope of type t and hands it to the broker.
// The correlation ID of ctx, if any, is copied onto the envelope; explicit
// options take precedence. It returns the message ID.
func (g *Gateway) Publish(ctx context.Context, t message.Type, payload any, opts ...message.Option) (string, error) {
	queue, err := message.QueueFor(t)
	if err != nil {
		return "", err
	}
	if id := message.CorrelationIDFromContext(ctx); id != "" {
		opts = append([]message.Option{message.WithCorrelationID(id)}, opts...)
	}
	env, err := message.New(t, payload, opts...)
	if err != nil {
		return "", err
	}

	ctx, span := g.tracer.Start(ctx, queue.String()+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", queue.String()),
			attribute.String("messaging.message.id", env.ID()),
		),
	)
	defer span.End()
	env.InjectTrace(ctx)

	body, err := env.Encode()
	if err != nil {
		return "", err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.broker.Publish(ctx, queue, broker.Message{ID: env.ID(), Type: t, Body: body}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return "", errors.Wrapf(err, "publish %s", t)
	}

	zctx.From(ctx).Debug("Published",
		zap.String("message_id", env.ID()),
		zap.String("message_type", string(t)),
		zap.Stringer("queue", queue),
	)
	return env.ID(), nil
}

// SendCreateOrder enqueues a create order command.
func (g *Gateway) SendCreateOrder(ctx context.Context, cmd order.CreateOrderCommand) (string, error) {
	var opts []message.Option
	if cmd.IdempotencyKey != "" {
		opts = append(opts, message.WithIdempotencyKey(cmd.IdempotencyKey))
	}
	return g.Publish(ctx, message.TypeCreateOrder, cmd, opts...)
}

// PublishOrderCreated announces a persisted order. The message ID is derived
// from the order ID, so publishing the same order twice yields the same ID.
func (g *Gateway) PublishOrderCreated(ctx context.Context, e order.CreatedEvent) error {
	_, err := g.Publish(ctx, message.TypeOrderCreated, e,
		message.WithMessageID(derivedID(message.TypeOrderCreated, e.OrderID)),
	)
	return err
}

// PublishDailyTotalTrigger requests that c be added to its day's total.
func (g *Gateway) PublishDailyTotalTrigger(ctx context.Context, c sales.Contribution) error {
	_, err := g.Publish(ctx, message.TypeCalculateDailyTotalSales, c,
		message.WithMessageID(derivedID(message.TypeCalculateDailyTotalSales, c.OrderID)),
	)
	return err
}

func derivedID(t message.Type, orderID int64) string {
	return string(t) + ":" + strconv.FormatInt(orderID, 10)
}
