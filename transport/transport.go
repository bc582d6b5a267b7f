// Package transport defines the broker contract burrow orchestrates against.
// Each broker client (amqp, memory, ...) lives in its own sub-package and
// registers a Dialer with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
)

// ExchangeKind is the routing behaviour of an exchange.
type ExchangeKind string

const (
	ExchangeFanout ExchangeKind = "fanout"
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeDirect ExchangeKind = "direct"
)

var (
	// ErrPreconditionFailed is returned when a declaration conflicts with an
	// existing entity, e.g. redeclaring a durable queue as non-durable (406).
	ErrPreconditionFailed = errors.New("transport: precondition failed")
	// ErrNotFound is returned when a queue or exchange does not exist (404).
	ErrNotFound = errors.New("transport: not found")
	// ErrClosed is returned by operations on a closed channel or connection.
	ErrClosed = errors.New("transport: closed")
)

// QueueOptions controls queue declaration. An empty queue name asks the
// broker to generate one.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// ExchangeOptions controls exchange declaration.
type ExchangeOptions struct {
	Durable bool
}

// Properties is the message metadata sent alongside a body.
type Properties struct {
	ContentType   string
	ReplyTo       string
	CorrelationID string
	MessageID     string
	Headers       map[string]string
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	Properties
	Body        []byte
	Exchange    string
	RoutingKey  string
	ConsumerTag string
}

// DeliveryHandler receives deliveries for one consumer. Deliveries for a
// consumer are handed over sequentially; the next one is not dispatched
// before the handler returns.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Connection is a live broker connection.
type Connection interface {
	Channel(ctx context.Context) (Channel, error)
	Close() error
}

// Channel is a lightweight session multiplexed over a Connection. Consumers
// registered on a Channel never acknowledge messages (noAck).
type Channel interface {
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) (string, error)
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind, opts ExchangeOptions) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Consume(ctx context.Context, queue string, handler DeliveryHandler) (string, error)
	SendToQueue(ctx context.Context, queue string, body []byte, props Properties) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte, props Properties) (bool, error)
	Cancel(ctx context.Context, consumerTag string) error
	Close() error
}

// Dialer opens a Connection to the broker at url.
type Dialer func(ctx context.Context, url string, logger watermill.LoggerAdapter) (Connection, error)
