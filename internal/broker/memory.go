package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process broker with the same delivery semantics as the
// real drivers: manual ack, requeue on nack, dead-lettering on reject.
// Nothing survives the process.
type Memory struct {
	mu               sync.Mutex
	queues           map[string]*memQueue
	deadLetterSuffix string
	nextTag          uint64
	closed           bool

	// PublishHook runs before every publish; a non-nil error fails the publish.
	PublishHook func(queue string, body []byte) error
}

type memQueue struct {
	ready  []memMessage
	notify chan struct{}
	acked  int
}

type memMessage struct {
	body        []byte
	redelivered bool
}

func NewMemory(deadLetterSuffix string) *Memory {
	return &Memory{queues: make(map[string]*memQueue), deadLetterSuffix: deadLetterSuffix}
}

func (m *Memory) Declare(_ context.Context, queues ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range queues {
		m.declareLocked(name)
		if m.deadLetterSuffix != "" {
			m.declareLocked(name + m.deadLetterSuffix)
		}
	}
	return nil
}

func (m *Memory) declareLocked(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{})}
		m.queues[name] = q
	}
	return q
}

func (m *Memory) Publish(_ context.Context, queue string, body []byte) error {
	if hook := m.PublishHook; hook != nil {
		if err := hook(queue, body); err != nil {
			return fmt.Errorf("%w: %v", ErrPublishFailed, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: %v", ErrPublishFailed, ErrConnectionLost)
	}
	q, ok := m.queues[queue]
	if !ok {
		return fmt.Errorf("%w: queue %q not declared", ErrPublishFailed, queue)
	}
	q.push(memMessage{body: append([]byte(nil), body...)})
	return nil
}

func (q *memQueue) push(msg memMessage) {
	q.ready = append(q.ready, msg)
	q.wake()
}

func (m *Memory) Consume(_ context.Context, queue string, opts ConsumeOptions) (Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queue]; !ok {
		return nil, fmt.Errorf("consume: queue %q not declared", queue)
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	return &memConsumer{b: m, queue: queue, prefetch: opts.Prefetch, unacked: make(map[string]memMessage)}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, q := range m.queues {
		q.wake()
	}
	return nil
}

// Messages returns the bodies waiting in queue, oldest first.
func (m *Memory) Messages(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, msg := range q.ready {
		out = append(out, msg.body)
	}
	return out
}

// Acked returns how many deliveries from queue were positively acknowledged.
func (m *Memory) Acked(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return q.acked
	}
	return 0
}

type memConsumer struct {
	b        *Memory
	queue    string
	prefetch int
	unacked  map[string]memMessage
	closed   bool
}

func (c *memConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		c.b.mu.Lock()
		if c.b.closed || c.closed {
			c.b.mu.Unlock()
			return Delivery{}, ErrConnectionLost
		}
		q := c.b.queues[c.queue]
		if len(q.ready) > 0 && len(c.unacked) < c.prefetch {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			c.b.nextTag++
			tag := strconv.FormatUint(c.b.nextTag, 10)
			c.unacked[tag] = msg
			c.b.mu.Unlock()
			return Delivery{Body: msg.body, Tag: tag, Redelivered: msg.redelivered}, nil
		}
		wait := q.notify
		c.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-wait:
		}
	}
}

func (c *memConsumer) Ack(_ context.Context, tag string) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.unacked[tag]; !ok {
		return fmt.Errorf("ack %s: %w", tag, ErrUnknownTag)
	}
	delete(c.unacked, tag)
	c.b.queues[c.queue].acked++
	// a freed prefetch slot may unblock this consumer
	c.b.queues[c.queue].wake()
	return nil
}

func (c *memConsumer) Nack(_ context.Context, tag string, requeue bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	msg, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("nack %s: %w", tag, ErrUnknownTag)
	}
	delete(c.unacked, tag)

	q := c.b.queues[c.queue]
	switch {
	case requeue:
		q.push(memMessage{body: msg.body, redelivered: true})
	case c.b.deadLetterSuffix != "":
		c.b.queues[c.queue+c.b.deadLetterSuffix].push(memMessage{body: msg.body})
		q.wake()
	default:
		q.wake()
	}
	return nil
}

// Close hands unacknowledged deliveries back to the queue, as a closed AMQP
// channel would.
func (c *memConsumer) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	q := c.b.queues[c.queue]
	for tag, msg := range c.unacked {
		delete(c.unacked, tag)
		q.push(memMessage{body: msg.body, redelivered: true})
	}
	q.wake()
	return nil
}

func (q *memQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}
