// Package message defines the envelope that travels through the broker and
// the queue topology commands and events are routed over.
package message

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Queue names a durable broker queue.
type Queue string

// Work queues, one per message type.
const (
	QueueCreateOrder     Queue = "create-order-command-queue"
	QueueOrderCreated    Queue = "order-created-event-queue"
	QueueDailyTotalSales Queue = "daily-total-sales-queue"
)

func (q Queue) String() string { return string(q) }

// DeadLetter returns the companion queue that holds messages which failed
// permanently or exhausted their retries on q.
func (q Queue) DeadLetter() Queue {
	return q + ".dead"
}

// Type identifies the payload carried by an envelope.
type Type string

// Message types.
const (
	TypeCreateOrder              Type = "order.create"
	TypeOrderCreated             Type = "order.created"
	TypeCalculateDailyTotalSales Type = "sales.daily-total.calculate"
)

// ErrUnknownType is returned for a message type with no queue.
var ErrUnknownType = errors.New("unknown message type")

// routes maps every message type to exactly one queue. Routing never looks at
// message content.
var routes = map[Type]Queue{
	TypeCreateOrder:              QueueCreateOrder,
	TypeOrderCreated:             QueueOrderCreated,
	TypeCalculateDailyTotalSales: QueueDailyTotalSales,
}

// QueueFor returns the queue messages of type t are published to.
func QueueFor(t Type) (Queue, error) {
	q, ok := routes[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return q, nil
}

// Queues returns all work queues in declaration order.
func Queues() []Queue {
	return []Queue{QueueCreateOrder, QueueOrderCreated, QueueDailyTotalSales}
}
