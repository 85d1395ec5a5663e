// Package broker declares the Broker Port: the narrow semantic adapter the
// core depends on instead of talking AMQP directly, plus the AMQP 0-9-1
// implementation of it (backed by github.com/rabbitmq/amqp091-go, the same
// driver the teacher's common/broker package and every pack example use).
package broker

import (
	"context"
	"errors"

	"github.com/resilientmq/resilientmq/event"
)

// ErrClosed is returned by operations attempted on a CLOSED MessageQueue.
var ErrClosed = errors.New("broker: connection closed")

// ExchangeOptions describes the exchange a Publish call should target. When
// nil, Publish sends directly to the named queue (the default exchange).
type ExchangeOptions struct {
	Name    string
	Kind    string // "direct", "topic", "fanout"; defaults to "direct"
	Durable bool
}

// PublishOptions controls a single Publish call.
type PublishOptions struct {
	Exchange *ExchangeOptions
}

// Delivery wraps a decoded message with the raw AMQP headers table it
// arrived with, so the processor can read x-death and x-first-death-* even
// though those live outside the Message model.
type Delivery struct {
	Message *event.Message
	Queue   string
	Headers map[string]interface{}
}

// DeliveryHandler processes one delivery. Returning a non-nil error causes
// the adapter to nack the delivery (requeue=false); returning nil acks it.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// QueueSpec declares a queue to assert during topology setup.
type QueueSpec struct {
	Name    string
	Durable bool
	Args    map[string]interface{}
}

// ExchangeSpec declares an exchange to assert during topology setup.
type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// BindingSpec binds a queue to an exchange with a routing key.
type BindingSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the full set of broker objects the Consumer Supervisor wants
// declared before it starts consuming (§4.5). The supervisor computes it;
// the MessageQueue adapter only executes it.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}

// MessageQueue is the Broker Port: everything the core needs from a broker
// client, and nothing else. Implementations own their own connection and
// channel; a single MessageQueue is a single-owner handle (§4.1) — callers
// must not share one across an unsynchronized publisher and consumer.
type MessageQueue interface {
	// Connect establishes a connection and channel and sets prefetch.
	Connect(ctx context.Context, prefetch int) error

	// DeclareTopology idempotently asserts every object in t.
	DeclareTopology(ctx context.Context, t Topology) error

	// Publish sends msg to destination. If opts.Exchange is set, the
	// exchange is declared (idempotent) and msg is routed by
	// msg.RoutingKey; otherwise destination names a queue and msg is sent
	// directly to it via the default exchange.
	Publish(ctx context.Context, destination string, msg *event.Message, opts PublishOptions) error

	// Consume begins consumption on queue, invoking handler for each
	// delivery, and returns the consumer tag.
	Consume(ctx context.Context, queue string, handler DeliveryHandler) (tag string, err error)

	// CancelAllConsumers cancels every consumer this instance registered.
	// Already-cancelled consumers are tolerated.
	CancelAllConsumers(ctx context.Context) error

	// CheckQueue passively inspects queue and returns its message count,
	// used by the heartbeat and idle-drain monitors.
	CheckQueue(ctx context.Context, queue string) (messageCount int, err error)

	// Disconnect idempotently cancels consumers, drains in-flight
	// deliveries, closes the channel and connection, and marks CLOSED. A
	// CLOSED instance must remain safely closable.
	Disconnect(ctx context.Context) error

	// Closed reports whether this instance has transitioned to CLOSED,
	// either through Disconnect or because the transport closed underneath
	// it.
	Closed() bool
}
