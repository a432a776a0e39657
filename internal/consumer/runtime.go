// Package consumer runs message handlers against broker queues.
//
// Each queue is served by its own binding: up to Prefetch deliveries are
// handled concurrently, a failing handler is invoked again after the retry
// interval until the retry budget runs out, and the message is then moved to
// the queue's dead-letter queue. Content errors (see Permanent) skip retries.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xenking/order-pipeline/internal/broker"
	"github.com/xenking/order-pipeline/internal/message"
)

// DefaultPrefetch is the number of unacknowledged messages a binding holds
// when none is configured.
const DefaultPrefetch = 16

// Handler processes one decoded message. A nil error acknowledges it.
type Handler interface {
	Handle(ctx context.Context, env *message.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *message.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *message.Envelope) error {
	return f(ctx, env)
}

// RetryPolicy is a fixed-interval retry budget. Limit counts retries after
// the first attempt, so a message is handled at most Limit+1 times.
type RetryPolicy struct {
	Limit    int
	Interval time.Duration
}

// DefaultRetryPolicy retries three times, 500ms apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Limit: 3, Interval: 500 * time.Millisecond}
}

// Binding attaches a handler to a queue.
type Binding struct {
	Queue    message.Queue
	Prefetch int
	// Retry defaults to DefaultRetryPolicy when nil.
	Retry   *RetryPolicy
	Handler Handler
}

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures a Runtime.
type Option func(*options)

// WithTracerProvider sets the tracer provider for consumer spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for consumer metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Runtime serves a set of bindings.
type Runtime struct {
	broker   broker.Broker
	lg       *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics
	bindings []Binding
}

// New creates a runtime consuming from b.
func New(b broker.Broker, lg *zap.Logger, opts ...Option) (*Runtime, error) {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	const scope = "github.com/xenking/order-pipeline/internal/consumer"
	m, err := newMetrics(o.meterProvider.Meter(scope))
	if err != nil {
		return nil, errors.Wrap(err, "init metrics")
	}

	return &Runtime{
		broker:  b,
		lg:      lg,
		tracer:  o.tracerProvider.Tracer(scope),
		metrics: m,
	}, nil
}

// Bind registers a binding. It must be called before Run.
func (r *Runtime) Bind(b Binding) error {
	if b.Handler == nil {
		return errors.Errorf("binding %s: nil handler", b.Queue)
	}
	if b.Queue == "" {
		return errors.New("binding: empty queue")
	}
	if b.Prefetch <= 0 {
		b.Prefetch = DefaultPrefetch
	}
	retry := DefaultRetryPolicy()
	if b.Retry != nil {
		retry = *b.Retry
	}
	retry.Limit = max(retry.Limit, 0)
	retry.Interval = max(retry.Interval, 0)
	b.Retry = &retry
	r.bindings = append(r.bindings, b)
	return nil
}

// Run consumes every bound queue until ctx is done. It returns after all
// in-flight messages are settled. A subscription failure on any queue stops
// the whole runtime with an error; a failing message never does.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.bindings) == 0 {
		return errors.New("no bindings")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range r.bindings {
		deliveries, err := r.broker.Subscribe(gctx, b.Queue, b.Prefetch)
		if err != nil {
			cancel()
			_ = g.Wait()
			return errors.Wrapf(err, "subscribe %s", b.Queue)
		}
		r.lg.Info("Consuming",
			zap.Stringer("queue", b.Queue),
			zap.Int("prefetch", b.Prefetch),
			zap.Int("retry_limit", b.Retry.Limit),
			zap.Duration("retry_interval", b.Retry.Interval),
		)
		g.Go(func() error {
			return r.serve(gctx, b, deliveries)
		})
	}
	return g.Wait()
}

func (r *Runtime) serve(ctx context.Context, b Binding, deliveries <-chan broker.Delivery) error {
	slots := semaphore.NewWeighted(int64(b.Prefetch))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Errorf("subscription to %s closed", b.Queue)
			}
			if ctx.Err() != nil {
				_ = d.Requeue()
				return nil
			}
			if err := slots.Acquire(ctx, 1); err != nil {
				_ = d.Requeue()
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer slots.Release(1)
				r.process(ctx, b, d)
			}()
		}
	}
}

// process drives one delivery to exactly one of ack, dead-letter or requeue.
// The handler context outlives ctx so that work in progress completes during
// shutdown; only the wait between retries observes ctx. Retries use a
// constant backoff of b.Retry.Interval.
func (r *Runtime) process(ctx context.Context, b Binding, d broker.Delivery) {
	queueAttr := attribute.String("messaging.destination.name", b.Queue.String())
	lg := r.lg.With(zap.Stringer("queue", b.Queue))

	env, err := message.Decode(d.Body())
	if err != nil {
		lg.Error("Dead-lettering malformed message", zap.Error(err))
		r.settle(ctx, lg, d.DeadLetter(err), outcomeDeadLettered, queueAttr)
		return
	}

	correlationID := env.CorrelationID()
	if correlationID == "" {
		correlationID = env.ID()
	}
	lg = lg.With(
		zap.String("message_id", env.ID()),
		zap.String("message_type", string(env.Type())),
		zap.String("correlation_id", correlationID),
	)

	hctx := env.ExtractTrace(context.WithoutCancel(ctx))
	hctx, span := r.tracer.Start(hctx, b.Queue.String()+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			queueAttr,
			attribute.String("messaging.message.id", env.ID()),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered()),
		),
	)
	defer span.End()
	hctx = zctx.Base(hctx, lg)
	hctx = message.ContextWithCorrelationID(hctx, correlationID)

	var (
		attempts int
		lastErr  error
	)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		start := time.Now()
		err := invoke(hctx, b.Handler, env)
		r.metrics.duration.Record(hctx, time.Since(start).Seconds(), metric.WithAttributes(queueAttr))
		lastErr = err
		if IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(b.Retry.Interval)),
		backoff.WithMaxTries(uint(b.Retry.Limit+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			lg.Warn("Handler failed, retrying",
				zap.Int("attempt", attempts),
				zap.Duration("interval", next),
				zap.Error(err),
			)
			r.metrics.messages.Add(hctx, 1, metric.WithAttributes(queueAttr, attribute.String("outcome", outcomeRetried)))
		}),
	)

	switch {
	case err == nil:
		lg.Debug("Message handled", zap.Int("attempt", attempts))
		r.settle(hctx, lg, d.Ack(), outcomeAcked, queueAttr)
	case IsPermanent(lastErr):
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, "permanent failure")
		lg.Error("Dead-lettering message: permanent failure",
			zap.Int("attempt", attempts),
			zap.Error(lastErr),
		)
		r.settle(hctx, lg, d.DeadLetter(lastErr), outcomeDeadLettered, queueAttr)
	case attempts <= b.Retry.Limit && ctx.Err() != nil:
		lg.Info("Shutting down, returning message to queue", zap.Int("attempt", attempts))
		r.settle(hctx, lg, d.Requeue(), outcomeRequeued, queueAttr)
	default:
		reason := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
		span.RecordError(reason)
		span.SetStatus(codes.Error, "retries exhausted")
		lg.Error("Dead-lettering message: retries exhausted",
			zap.Int("attempts", attempts),
			zap.Error(lastErr),
		)
		r.settle(hctx, lg, d.DeadLetter(reason), outcomeDeadLettered, queueAttr)
	}
}

func (r *Runtime) settle(ctx context.Context, lg *zap.Logger, err error, outcome string, queueAttr attribute.KeyValue) {
	if err != nil {
		lg.Error("Settle message", zap.String("outcome", outcome), zap.Error(err))
		return
	}
	r.metrics.messages.Add(ctx, 1, metric.WithAttributes(queueAttr, attribute.String("outcome", outcome)))
}

// invoke calls h, turning a panic into an ordinary handler error.
func invoke(ctx context.Context, h Handler, env *message.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, env)
}
