// Package rabbitmq provides the RabbitMQ (AMQP 0-9-1) transport for burrow,
// built on github.com/rabbitmq/amqp091-go.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/rabbitmq/amqp091-go"

	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	"github.com/drblury/burrow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionName is advertised to the broker as the client connection name.
var ConnectionName = "burrow"

type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Confirm(noWait bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(url string, cfg amqp.Config) (amqpConnection, error) {
	return amqp.DialConfig(url, cfg)
}

// ChannelFactory allows overriding channel creation for testing.
var ChannelFactory = func(conn amqpConnection) (amqpChannel, error) {
	return conn.Channel()
}

func init() {
	Register()
}

// Capabilities returns the guarantees of the AMQP transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Dial, Capabilities())
}

// Dial opens an AMQP connection to url.
func Dial(ctx context.Context, url string, logger watermill.LoggerAdapter) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(ConnectionName)

	conn, err := ConnectionFactory(url, amqp.Config{Properties: props})
	if err != nil {
		return nil, mapError(err)
	}
	logger.Debug("AMQP connection established", watermill.LogFields{"connection_name": ConnectionName})
	return &connection{conn: conn, logger: logger}, nil
}

type connection struct {
	conn   amqpConnection
	logger watermill.LoggerAdapter
}

func (c *connection) Channel(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := ChannelFactory(c.conn)
	if err != nil {
		return nil, mapError(err)
	}
	return &channel{ch: ch, logger: c.logger}, nil
}

func (c *connection) Close() error {
	return mapError(c.conn.Close())
}

type channel struct {
	ch     amqpChannel
	logger watermill.LoggerAdapter

	mu         sync.Mutex
	confirming bool
}

func (c *channel) DeclareQueue(ctx context.Context, name string, opts transport.QueueOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	if err != nil {
		return "", mapError(err)
	}
	return q.Name, nil
}

func (c *channel) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind, opts transport.ExchangeOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(c.ch.ExchangeDeclare(name, string(kind), opts.Durable, false, false, false, nil))
}

func (c *channel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(c.ch.QueueBind(queue, routingKey, exchange, false, nil))
}

func (c *channel) Consume(ctx context.Context, queue string, handler transport.DeliveryHandler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tag := "burrow-" + idspkg.CreateULID()
	deliveries, err := c.ch.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return "", mapError(err)
	}

	// Deliveries outlive the provisioning call.
	consumeCtx := context.WithoutCancel(ctx)
	go func() {
		for d := range deliveries {
			handler(consumeCtx, fromAMQP(d))
		}
		c.logger.Trace("AMQP consumer stopped", watermill.LogFields{"consumer_tag": tag, "queue": queue})
	}()
	return tag, nil
}

func (c *channel) SendToQueue(ctx context.Context, queue string, body []byte, props transport.Properties) error {
	return mapError(c.ch.PublishWithContext(ctx, "", queue, false, false, toPublishing(body, props)))
}

// Publish waits for a publisher confirm; the channel is switched into
// confirm mode on first use.
func (c *channel) Publish(ctx context.Context, exchange, routingKey string, body []byte, props transport.Properties) (bool, error) {
	if err := c.enableConfirms(); err != nil {
		return false, err
	}

	confirmation, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, toPublishing(body, props))
	if err != nil {
		return false, mapError(err)
	}
	if confirmation == nil {
		return true, nil
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return false, mapError(err)
	}
	return acked, nil
}

func (c *channel) enableConfirms() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirming {
		return nil
	}
	if err := c.ch.Confirm(false); err != nil {
		return mapError(err)
	}
	c.confirming = true
	return nil
}

func (c *channel) Cancel(ctx context.Context, consumerTag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(c.ch.Cancel(consumerTag, false))
}

func (c *channel) Close() error {
	return mapError(c.ch.Close())
}

func toPublishing(body []byte, props transport.Properties) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:   props.ContentType,
		ReplyTo:       props.ReplyTo,
		CorrelationId: props.CorrelationID,
		MessageId:     props.MessageID,
		Body:          body,
	}
	if len(props.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(props.Headers))
		for k, v := range props.Headers {
			msg.Headers[k] = v
		}
	}
	return msg
}

func fromAMQP(d amqp.Delivery) transport.Delivery {
	delivery := transport.Delivery{
		Properties: transport.Properties{
			ContentType:   d.ContentType,
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
			MessageID:     d.MessageId,
		},
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ConsumerTag: d.ConsumerTag,
	}
	if len(d.Headers) > 0 {
		delivery.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			delivery.Headers[k] = fmt.Sprint(v)
		}
	}
	return delivery
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.PreconditionFailed:
			return fmt.Errorf("%w: %s", transport.ErrPreconditionFailed, amqpErr.Reason)
		case amqp.NotFound:
			return fmt.Errorf("%w: %s", transport.ErrNotFound, amqpErr.Reason)
		}
	}
	return err
}
