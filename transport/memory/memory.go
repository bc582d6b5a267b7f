// Package memory provides an in-process broker for burrow. It implements the
// AMQP routing model (default, fanout, topic and direct exchanges, exclusive
// and auto-delete queues) without any network I/O, which makes it useful for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	"github.com/drblury/burrow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// QueueBuffer is the number of undelivered messages a queue holds before
// publishers block.
var QueueBuffer = 1024

var (
	brokersMu sync.Mutex
	brokers   = map[string]*Broker{}
)

// Capabilities returns the guarantees of the in-process broker.
func Capabilities() transport.Capabilities {
	caps := transport.MemoryCapabilities
	caps.MaxQueueBacklog = QueueBuffer
	return caps
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Dial, Capabilities())
}

// Dial connects to the broker named by url (for example memory://tests).
// Connections using the same URL host share one broker.
func Dial(ctx context.Context, rawURL string, logger watermill.LoggerAdapter) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := Lookup(rawURL)
	if err != nil {
		return nil, err
	}
	return b.Connect(logger), nil
}

// Lookup returns the shared broker for url, creating it on first use.
func Lookup(rawURL string) (*Broker, error) {
	key, err := brokerKey(rawURL)
	if err != nil {
		return nil, err
	}

	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[key]
	if !ok {
		b = NewBroker()
		brokers[key] = b
	}
	return b, nil
}

// Reset drops the shared broker for url so the next Dial starts empty.
func Reset(rawURL string) {
	key, err := brokerKey(rawURL)
	if err != nil {
		return
	}
	brokersMu.Lock()
	defer brokersMu.Unlock()
	delete(brokers, key)
}

func brokerKey(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("memory: invalid url %q: %w", rawURL, err)
	}
	return parsed.Host + parsed.Path, nil
}

// Broker is an in-process message broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	channels  int
}

type exchange struct {
	name     string
	kind     transport.ExchangeKind
	durable  bool
	bindings []binding
}

type binding struct {
	queue *queue
	key   string
}

type queue struct {
	name      string
	opts      transport.QueueOptions
	owner     *connection
	messages  chan transport.Delivery
	deleted   chan struct{}
	consumers map[string]*consumer
	everBound bool
}

type consumer struct {
	tag     string
	queue   *queue
	channel *channel
	done    chan struct{}
}

// NewBroker returns an empty broker with the standard amq.* exchanges.
func NewBroker() *Broker {
	b := &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
	}
	for name, kind := range map[string]transport.ExchangeKind{
		"amq.direct": transport.ExchangeDirect,
		"amq.fanout": transport.ExchangeFanout,
		"amq.topic":  transport.ExchangeTopic,
	} {
		b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
	}
	return b
}

// Connect opens a new connection to the broker.
func (b *Broker) Connect(logger watermill.LoggerAdapter) transport.Connection {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &connection{broker: b, logger: logger}
}

// HasQueue reports whether a queue with name exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// ConsumerCount returns the number of active consumers on a queue.
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// OpenChannels returns the number of channels that have not been closed.
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (transport.ExchangeKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// deleteQueueLocked removes q and its bindings. b.mu must be held.
func (b *Broker) deleteQueueLocked(q *queue) {
	if b.queues[q.name] != q {
		return
	}
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	for _, c := range q.consumers {
		close(c.done)
		delete(c.channel.consumers, c.tag)
	}
	q.consumers = nil
	close(q.deleted)
}

func (b *Broker) route(exchangeName, routingKey string) ([]*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if exchangeName == "" {
		if q, ok := b.queues[routingKey]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %q", transport.ErrNotFound, exchangeName)
	}

	seen := map[*queue]struct{}{}
	var targets []*queue
	for _, bd := range ex.bindings {
		if _, dup := seen[bd.queue]; dup {
			continue
		}
		var match bool
		switch ex.kind {
		case transport.ExchangeFanout:
			match = true
		case transport.ExchangeTopic:
			match = TopicMatch(bd.key, routingKey)
		default:
			match = bd.key == routingKey
		}
		if match {
			seen[bd.queue] = struct{}{}
			targets = append(targets, bd.queue)
		}
	}
	return targets, nil
}

// TopicMatch reports whether routingKey matches an AMQP topic binding
// pattern: "*" matches exactly one dot-separated word, "#" zero or more.
func TopicMatch(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

type connection struct {
	broker *Broker
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	channels []*channel
	closed   bool
}

func (c *connection) Channel(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}

	ch := &channel{conn: c, consumers: map[string]*consumer{}}
	c.channels = append(c.channels, ch)

	c.broker.mu.Lock()
	c.broker.channels++
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if q.opts.Exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}
	return nil
}

type channel struct {
	conn      *connection
	closed    bool
	consumers map[string]*consumer
}

func (ch *channel) broker() *Broker {
	return ch.conn.broker
}

// checkLocked must be called with the broker lock held.
func (ch *channel) checkLocked(ctx context.Context) error {
	if ch.closed {
		return transport.ErrClosed
	}
	return ctx.Err()
}

func (ch *channel) DeclareQueue(ctx context.Context, name string, opts transport.QueueOptions) (string, error) {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.checkLocked(ctx); err != nil {
		return "", err
	}

	if name == "" {
		name = "amq.gen-" + idspkg.CreateULID()
	}
	if q, ok := b.queues[name]; ok {
		if q.opts.Durable != opts.Durable {
			return "", fmt.Errorf("%w: inequivalent arg 'durable' for queue %q", transport.ErrPreconditionFailed, name)
		}
		if q.opts.Exclusive && q.owner != ch.conn {
			return "", fmt.Errorf("%w: queue %q is exclusive to another connection", transport.ErrPreconditionFailed, name)
		}
		return name, nil
	}

	b.queues[name] = &queue{
		name:      name,
		opts:      opts,
		owner:     ch.conn,
		messages:  make(chan transport.Delivery, QueueBuffer),
		deleted:   make(chan struct{}),
		consumers: map[string]*consumer{},
	}
	return name, nil
}

func (ch *channel) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind, opts transport.ExchangeOptions) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.checkLocked(ctx); err != nil {
		return err
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("%w: inequivalent arg 'type' for exchange %q", transport.ErrPreconditionFailed, name)
		}
		if ex.durable != opts.Durable {
			return fmt.Errorf("%w: inequivalent arg 'durable' for exchange %q", transport.ErrPreconditionFailed, name)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: opts.Durable}
	return nil
}

func (ch *channel) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.checkLocked(ctx); err != nil {
		return err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: queue %q", transport.ErrNotFound, queueName)
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: exchange %q", transport.ErrNotFound, exchangeName)
	}
	for _, bd := range ex.bindings {
		if bd.queue == q && bd.key == routingKey {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: q, key: routingKey})
	return nil
}

func (ch *channel) Consume(ctx context.Context, queueName string, handler transport.DeliveryHandler) (string, error) {
	b := ch.broker()
	b.mu.Lock()
	if err := ch.checkLocked(ctx); err != nil {
		b.mu.Unlock()
		return "", err
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q", transport.ErrNotFound, queueName)
	}

	c := &consumer{
		tag:     "burrow-" + idspkg.CreateULID(),
		queue:   q,
		channel: ch,
		done:    make(chan struct{}),
	}
	q.consumers[c.tag] = c
	q.everBound = true
	ch.consumers[c.tag] = c
	b.mu.Unlock()

	consumeCtx := context.WithoutCancel(ctx)
	go func() {
		for {
			select {
			case <-c.done:
				return
			case <-q.deleted:
				return
			case d := <-q.messages:
				select {
				case <-c.done:
					// Cancelled while waiting; hand the message to the
					// next consumer.
					select {
					case q.messages <- d:
					default:
					}
					return
				default:
				}
				d.ConsumerTag = c.tag
				handler(consumeCtx, d)
			}
		}
	}()
	return c.tag, nil
}

func (ch *channel) SendToQueue(ctx context.Context, queueName string, body []byte, props transport.Properties) error {
	_, err := ch.Publish(ctx, "", queueName, body, props)
	return err
}

func (ch *channel) Publish(ctx context.Context, exchangeName, routingKey string, body []byte, props transport.Properties) (bool, error) {
	b := ch.broker()
	b.mu.Lock()
	err := ch.checkLocked(ctx)
	b.mu.Unlock()
	if err != nil {
		return false, err
	}

	targets, err := b.route(exchangeName, routingKey)
	if err != nil {
		return false, err
	}

	for _, q := range targets {
		d := transport.Delivery{
			Properties: cloneProperties(props),
			Body:       append([]byte(nil), body...),
			Exchange:   exchangeName,
			RoutingKey: routingKey,
		}
		select {
		case q.messages <- d:
		case <-q.deleted:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return true, nil
}

func (ch *channel) Cancel(ctx context.Context, consumerTag string) error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.checkLocked(ctx); err != nil {
		return err
	}
	ch.cancelLocked(consumerTag)
	return nil
}

func (ch *channel) cancelLocked(consumerTag string) {
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return
	}
	delete(ch.consumers, consumerTag)
	close(c.done)

	q := c.queue
	delete(q.consumers, consumerTag)
	if q.opts.AutoDelete && q.everBound && len(q.consumers) == 0 {
		ch.broker().deleteQueueLocked(q)
	}
}

func (ch *channel) Close() error {
	b := ch.broker()
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	for tag := range ch.consumers {
		ch.cancelLocked(tag)
	}
	ch.closed = true
	b.channels--
	return nil
}

func cloneProperties(p transport.Properties) transport.Properties {
	if len(p.Headers) == 0 {
		return p
	}
	headers := make(map[string]string, len(p.Headers))
	for k, v := range p.Headers {
		headers[k] = v
	}
	p.Headers = headers
	return p
}
