package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQP talks to RabbitMQ through the default exchange, one queue per name.
// Publishing runs on a dedicated confirm-mode channel; every consumer gets
// its own channel so prefetch applies per consumer.
type AMQP struct {
	url              string
	deadLetterSuffix string
	logger           *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

func DialAMQP(url, deadLetterSuffix string, logger *zap.Logger) (*AMQP, error) {
	a := &AMQP{url: url, deadLetterSuffix: deadLetterSuffix, logger: logger}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// connectLocked (re)dials when the connection or publish channel is gone.
func (a *AMQP) connectLocked() error {
	if a.conn == nil || a.conn.IsClosed() {
		conn, err := amqp.Dial(a.url)
		if err != nil {
			return fmt.Errorf("%w: dial: %v", ErrConnectionLost, err)
		}
		a.conn = conn
		a.pub = nil
		a.logger.Info("amqp: connected")
	}
	if a.pub == nil || a.pub.IsClosed() {
		ch, err := a.conn.Channel()
		if err != nil {
			return fmt.Errorf("%w: open channel: %v", ErrConnectionLost, err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("%w: confirm mode: %v", ErrConnectionLost, err)
		}
		a.pub = ch
	}
	return nil
}

func (a *AMQP) queueArgs(name string) amqp.Table {
	if a.deadLetterSuffix == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name + a.deadLetterSuffix,
	}
}

// Declare uses a throwaway channel: a failed declare closes the channel it
// ran on and we do not want that to be the publish channel.
func (a *AMQP) Declare(_ context.Context, queues ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return err
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", ErrConnectionLost, err)
	}
	defer ch.Close()

	for _, name := range queues {
		if a.deadLetterSuffix != "" {
			if _, err := ch.QueueDeclare(name+a.deadLetterSuffix, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare %s: %w", name+a.deadLetterSuffix, err)
			}
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, a.queueArgs(name)); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}

// Publish waits for the broker confirm, so a nil error means the message is
// on disk (for durable queues) and routed.
func (a *AMQP) Publish(ctx context.Context, queue string, body []byte) error {
	a.mu.Lock()
	if err := a.connectLocked(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	conf, err := a.pub.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: waiting for confirm: %v", ErrPublishFailed, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked message for %s", ErrPublishFailed, queue)
	}
	return nil
}

func (a *AMQP) Consume(_ context.Context, queue string, opts ConsumeOptions) (Consumer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrConnectionLost, err)
	}
	prefetch := opts.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, opts.Consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return &amqpConsumer{ch: ch, deliveries: deliveries}, nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn, a.pub = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

type amqpConsumer struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (c *amqpConsumer) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d, ok := <-c.deliveries:
		if !ok {
			return Delivery{}, ErrConnectionLost
		}
		return Delivery{
			Body:        d.Body,
			Tag:         strconv.FormatUint(d.DeliveryTag, 10),
			Redelivered: d.Redelivered,
		}, nil
	}
}

func (c *amqpConsumer) Ack(_ context.Context, tag string) error {
	t, err := parseTag(tag)
	if err != nil {
		return err
	}
	return channelErr(c.ch.Ack(t, false))
}

func (c *amqpConsumer) Nack(_ context.Context, tag string, requeue bool) error {
	t, err := parseTag(tag)
	if err != nil {
		return err
	}
	return channelErr(c.ch.Nack(t, false, requeue))
}

// Close lets the broker redeliver whatever this channel still holds.
func (c *amqpConsumer) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func parseTag(tag string) (uint64, error) {
	t, err := strconv.ParseUint(tag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return t, nil
}

func channelErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
