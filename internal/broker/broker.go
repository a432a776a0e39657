// Package broker defines the message broker contract the pipeline relies on:
// durable queues, at-least-once delivery and per-message acknowledgment.
package broker

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/order-pipeline/internal/message"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is an encoded envelope ready to be published.
type Message struct {
	ID   string
	Type message.Type
	Body []byte
}

// Delivery is a message handed to a consumer. Exactly one of Ack, DeadLetter
// or Requeue must be called for every delivery.
type Delivery interface {
	// Body returns the encoded envelope.
	Body() []byte
	// Redelivered reports whether the broker delivered this message before.
	Redelivered() bool
	// Ack removes the message from the queue permanently.
	Ack() error
	// DeadLetter moves the message to the queue's dead-letter queue. It is
	// not redelivered automatically.
	DeadLetter(reason error) error
	// Requeue returns the message to the queue for another delivery.
	Requeue() error
}

// Broker publishes to and consumes from durable queues.
type Broker interface {
	// Publish stores msg on queue. A nil error means the broker accepted the
	// message durably.
	Publish(ctx context.Context, queue message.Queue, msg Message) error
	// Subscribe starts consuming queue holding at most prefetch
	// unacknowledged deliveries. The channel closes when ctx is done or the
	// subscription fails.
	Subscribe(ctx context.Context, queue message.Queue, prefetch int) (<-chan Delivery, error)
	// Ping reports whether the broker connection is usable.
	Ping(ctx context.Context) error
	Close() error
}
