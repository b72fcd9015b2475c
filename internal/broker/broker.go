// Package broker is the durable-queue contract between the gateway and the
// converter: durable named queues, persistent messages, manual
// acknowledgment scoped to one delivery.
package broker

import (
	"context"
	"errors"
)

var (
	ErrPublishFailed  = errors.New("publish failed")
	ErrConnectionLost = errors.New("broker connection lost")
	ErrUnknownTag     = errors.New("unknown delivery tag")
)

// Delivery is one delivery of a message to one consumer. Tag means nothing
// outside the Consumer that returned it.
type Delivery struct {
	Body        []byte
	Tag         string
	Redelivered bool
}

type ConsumeOptions struct {
	// Prefetch bounds unacknowledged deliveries held by the consumer.
	Prefetch int
	// Consumer names the consumer to the broker; empty picks a unique name.
	Consumer string
}

type Publisher interface {
	// Publish returns nil only once the broker has durably accepted body.
	Publish(ctx context.Context, queue string, body []byte) error
}

type Broker interface {
	Publisher
	// Declare makes sure the durable queues exist. Producers and consumers
	// both call it before use.
	Declare(ctx context.Context, queues ...string) error
	Consume(ctx context.Context, queue string, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Consumer interface {
	// Receive blocks until a delivery is available or ctx is done.
	// ErrConnectionLost means the consumer must be reopened.
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, tag string) error
	// Nack with requeue makes the message eligible for redelivery; without
	// requeue it is dropped or dead-lettered.
	Nack(ctx context.Context, tag string, requeue bool) error
	Close() error
}
