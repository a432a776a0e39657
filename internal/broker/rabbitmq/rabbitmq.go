// Package rabbitmq implements broker.Broker on top of RabbitMQ.
//
// Every work queue is declared durable with a dead-letter argument that
// routes rejected messages through the default exchange into "<queue>.dead".
// Publishing uses publisher confirms, so a nil error from Publish means the
// broker has taken responsibility for the message.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xenking/order-pipeline/internal/broker"
	"github.com/xenking/order-pipeline/internal/message"
)

var _ broker.Broker = (*Broker)(nil)

// Config configures the RabbitMQ connection.
type Config struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectionName == "" {
		c.ConnectionName = "order-pipeline"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Broker is a broker.Broker backed by a single AMQP connection. Publishing
// shares one confirm-mode channel; every subscription gets its own channel so
// that QoS applies per consumer.
type Broker struct {
	conn *amqp.Connection
	lg   *zap.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	channels []*amqp.Channel
	closed   bool
}

// Dial connects to RabbitMQ and declares the queue topology.
func Dial(ctx context.Context, cfg Config) (*Broker, error) {
	cfg = cfg.withDefaults()

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Properties: amqp.Table{"connection_name": cfg.ConnectionName},
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	b := &Broker{conn: conn, lg: cfg.Logger}
	if err := b.declareTopology(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// declareTopology declares every work queue and its dead-letter queue.
// Declarations are idempotent as long as the arguments do not change.
func (b *Broker) declareTopology(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer func() { _ = ch.Close() }()

	for _, q := range message.Queues() {
		dead := q.DeadLetter()
		if _, err := ch.QueueDeclare(dead.String(), true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare %s", dead)
		}
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dead.String(),
		}
		if _, err := ch.QueueDeclare(q.String(), true, false, false, false, args); err != nil {
			return errors.Wrapf(err, "declare %s", q)
		}
		b.lg.Debug("Declared queue",
			zap.Stringer("queue", q),
			zap.Stringer("dead_letter", dead),
		)
	}
	return nil
}

// publisher returns the confirm-mode publishing channel, reopening it if the
// server closed it.
func (b *Broker) publisher() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "enable confirms")
	}
	b.pub = ch
	return ch, nil
}

// Publish sends msg to queue through the default exchange and waits for the
// broker to confirm it.
func (b *Broker) Publish(ctx context.Context, queue message.Queue, msg broker.Message) error {
	ch, err := b.publisher()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue.String(), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		ContentType:  message.ContentType,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", queue)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "confirm %s", msg.ID)
	}
	if !acked {
		return errors.Errorf("broker rejected %s on %s", msg.ID, queue)
	}
	return nil
}

// Subscribe consumes queue on a dedicated channel with QoS set to prefetch.
// When ctx is done the consumer is cancelled; deliveries already handed out
// can still be settled until Close.
func (b *Broker) Subscribe(ctx context.Context, queue message.Queue, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		b.mu.Unlock()
		return nil, errors.Wrap(err, "open channel")
	}
	b.channels = append(b.channels, ch)
	b.mu.Unlock()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, errors.Wrap(err, "set qos")
	}

	tag := queue.String() + "-consumer"
	deliveries, err := ch.Consume(queue.String(), tag, false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "consume %s", queue)
	}

	lg := b.lg.With(zap.Stringer("queue", queue))
	lg.Info("Subscription started", zap.Int("prefetch", prefetch))

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)

		cancelled := false
		done := ctx.Done()
		for {
			select {
			case <-done:
				if err := ch.Cancel(tag, false); err != nil {
					lg.Warn("Cancel consumer", zap.Error(err))
					return
				}
				// Keep draining until the library closes deliveries.
				cancelled = true
				done = nil
			case d, ok := <-deliveries:
				if !ok {
					if !cancelled {
						lg.Warn("Delivery channel closed")
					}
					return
				}
				if cancelled {
					// Not handed out; returned to the queue on channel close.
					continue
				}
				select {
				case out <- &delivery{d: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	return out, nil
}

// Ping reports whether the connection is open.
func (b *Broker) Ping(_ context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Close closes all channels and the connection. Unacknowledged deliveries
// are returned to their queues by the broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, ch := range b.channels {
		_ = ch.Close()
	}
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return errors.Wrap(err, "close connection")
	}
	return nil
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }
func (d *delivery) Ack() error        { return d.d.Ack(false) }

// DeadLetter rejects without requeue; the queue's dead-letter arguments move
// the message to "<queue>.dead". RabbitMQ records the rejection in the
// x-death header, the reason itself is only logged by the caller.
func (d *delivery) DeadLetter(error) error { return d.d.Reject(false) }

func (d *delivery) Requeue() error { return d.d.Nack(false, true) }
