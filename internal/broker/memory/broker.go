// Package memory implements an in-process broker with prefetch accounting
// and dead-letter lists. It backs tests and single-process local runs.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/order-pipeline/internal/broker"
	"github.com/xenking/order-pipeline/internal/message"
)

var _ broker.Broker = (*Broker)(nil)

// DeadLetter is a message that was moved out of its work queue.
type DeadLetter struct {
	MessageID string
	Body      []byte
	Reason    string
}

type entry struct {
	msg         broker.Message
	redelivered bool
}

// queue holds pending messages. changed is closed and replaced on every
// state change so that all waiting subscribers wake up.
type queue struct {
	pending []*entry
	dead    []DeadLetter
	acked   int
	changed chan struct{}
}

func (q *queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Broker is an in-memory broker.Broker. Messages survive only as long as the
// process does.
type Broker struct {
	mu     sync.Mutex
	queues map[message.Queue]*queue
	closed bool
	done   chan struct{}
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues: make(map[message.Queue]*queue),
		done:   make(chan struct{}),
	}
}

// queueLocked returns the named queue, creating it on first use.
func (b *Broker) queueLocked(name message.Queue) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{changed: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// Publish appends msg to queue.
func (b *Broker) Publish(ctx context.Context, name message.Queue, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	q := b.queueLocked(name)
	q.pending = append(q.pending, &entry{msg: msg})
	q.notifyLocked()
	return nil
}

// subscription tracks the unacknowledged deliveries of one consumer.
type subscription struct {
	b        *Broker
	name     message.Queue
	prefetch int
	inflight int
}

// Subscribe delivers messages from queue until ctx is done or the broker is
// closed, never holding more than prefetch unacknowledged deliveries.
func (b *Broker) Subscribe(ctx context.Context, name message.Queue, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	b.queueLocked(name)
	b.mu.Unlock()

	s := &subscription{b: b, name: name, prefetch: prefetch}
	out := make(chan broker.Delivery)

	go func() {
		defer close(out)
		for {
			d, wait := s.next()
			if d == nil {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case <-wait:
					continue
				}
			}

			select {
			case out <- d:
			case <-ctx.Done():
				_ = d.Requeue()
				return
			case <-b.done:
				return
			}
		}
	}()

	return out, nil
}

// next takes the head of the queue if the prefetch window allows it. When
// nothing can be delivered it returns a channel that closes on the next
// state change.
func (s *subscription) next() (*delivery, <-chan struct{}) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	q := s.b.queues[s.name]
	if s.inflight >= s.prefetch || len(q.pending) == 0 {
		return nil, q.changed
	}

	e := q.pending[0]
	q.pending = q.pending[1:]
	s.inflight++
	return &delivery{sub: s, entry: e}, nil
}

// settle releases a prefetch slot and applies fn to the queue.
func (s *subscription) settle(fn func(q *queue)) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	q := s.b.queues[s.name]
	s.inflight--
	fn(q)
	q.notifyLocked()
}

// Ping reports ErrClosed after Close.
func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	return nil
}

// Close stops all subscriptions. Pending messages are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// DeadLetters returns a snapshot of the messages dead-lettered from queue.
func (b *Broker) DeadLetters(name message.Queue) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]DeadLetter(nil), q.dead...)
}

// Pending returns the number of messages waiting for delivery on queue.
func (b *Broker) Pending(name message.Queue) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.pending)
	}
	return 0
}

// Acked returns the number of messages acknowledged on queue.
func (b *Broker) Acked(name message.Queue) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.acked
	}
	return 0
}

type delivery struct {
	sub   *subscription
	entry *entry
	once  sync.Once
}

func (d *delivery) Body() []byte      { return d.entry.msg.Body }
func (d *delivery) Redelivered() bool { return d.entry.redelivered }

// finish runs fn exactly once per delivery.
func (d *delivery) finish(fn func(q *queue)) error {
	d.once.Do(func() { d.sub.settle(fn) })
	return nil
}

func (d *delivery) Ack() error {
	return d.finish(func(q *queue) { q.acked++ })
}

func (d *delivery) DeadLetter(reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return d.finish(func(q *queue) {
		q.dead = append(q.dead, DeadLetter{
			MessageID: d.entry.msg.ID,
			Body:      d.entry.msg.Body,
			Reason:    msg,
		})
	})
}

func (d *delivery) Requeue() error {
	return d.finish(func(q *queue) {
		d.entry.redelivered = true
		q.pending = append([]*entry{d.entry}, q.pending...)
	})
}

// Redeliver enqueues msg flagged as a redelivery, the way a broker does
// after a lost acknowledgment.
func (b *Broker) Redeliver(name message.Queue, msg broker.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(name)
	q.pending = append(q.pending, &entry{msg: msg, redelivered: true})
	q.notifyLocked()
}
