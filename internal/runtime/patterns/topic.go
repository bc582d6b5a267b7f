package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/burrow/internal/runtime/codec"
	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/internal/runtime/handlers"
	"github.com/drblury/burrow/transport"
)

// DefaultListenExchange is the exchange Listen binds to when none is given.
const DefaultListenExchange = "amq.topic"

// Topic provisions topic-routed subscribers, publishes with a routing key and
// opens ad-hoc listeners.
type Topic struct {
	host      Host
	listeners *listenerSet
}

// NewTopic returns the topic executor for host.
func NewTopic(host Host) *Topic {
	return &Topic{host: host, listeners: newListenerSet()}
}

func (t *Topic) Kind() Kind { return KindTopic }

// Provision binds an anonymous queue to the topic exchange with the endpoint
// pattern ("*" when none is set). Handlers see the routing key segments
// through Message.RoutingKeys.
func (t *Topic) Provision(ctx context.Context, p *Provision) (transport.Channel, string, error) {
	if err := checkProvision(p, KindTopic); err != nil {
		return nil, "", err
	}
	optExchange, pattern := p.Options.subscription()
	exchange, err := resolveExchange(t.host, optExchange)
	if err != nil {
		return nil, "", err
	}
	ep := newEndpoint(t.host, KindTopic, p.Endpoint, p.Handler)

	return consumeOn(ctx, t.host, func(ch transport.Channel) (string, transport.DeliveryHandler, error) {
		queue, err := bindTopicQueue(ctx, ch, exchange, pattern, p.Options.Durable, p.Options.exclusive())
		if err != nil {
			return "", nil, err
		}
		return queue, func(ctx context.Context, d transport.Delivery) {
			_, _ = ep.handle(ctx, d)
		}, nil
	})
}

func bindTopicQueue(ctx context.Context, ch transport.Channel, exchange, pattern string, durable, exclusive bool) (string, error) {
	if err := declareExchange(ctx, ch, exchange, transport.ExchangeTopic, durable); err != nil {
		return "", err
	}
	queue, err := ch.DeclareQueue(ctx, "", transport.QueueOptions{Exclusive: exclusive, AutoDelete: true})
	if err != nil {
		return "", err
	}
	if err := ch.BindQueue(ctx, queue, exchange, pattern); err != nil {
		return "", err
	}
	return queue, nil
}

// Deprovision cancels the consumer and closes the endpoint channel.
func (t *Topic) Deprovision(ctx context.Context, p *Provision) error {
	return deprovision(ctx, p)
}

// Publish sends msg with routing key topic to the topic exchange, by default
// the instance exchange.
func (t *Topic) Publish(ctx context.Context, msg any, topic string, exchange ...string) error {
	if topic == "" {
		return errspkg.Wrap(KindTopic.String(), "publish", topic, errspkg.ErrTopicRequired)
	}
	resolved, err := resolveExchange(t.host, exchange...)
	if err != nil {
		return errspkg.Wrap(KindTopic.String(), "publish", topic, err)
	}
	return instrument(ctx, t.host, KindTopic, "publish", topic, resolved, func(ctx context.Context) error {
		return publish(ctx, t.host, KindTopic, resolved, transport.ExchangeTopic, false, topic, msg)
	})
}

// Parser selects how a listener turns bodies into payloads.
type Parser string

const (
	// ParserString hands the body over as a string.
	ParserString Parser = "string"
	// ParserJSON decodes the body as JSON into an any.
	ParserJSON Parser = "json"
)

// ListenOptions tunes an ad-hoc listener.
type ListenOptions struct {
	// Exchange defaults to amq.topic.
	Exchange string
	// Parser defaults to ParserString.
	Parser Parser
}

// ListenHandler receives the parsed payload of an ad-hoc listener. The
// routing key segments are available through msg.RoutingKeys.
type ListenHandler func(ctx context.Context, payload any, msg handlers.Message) error

// Listener is a live ad-hoc subscription.
type Listener struct {
	Exchange string
	Topic    string
	Queue    string

	channel transport.Channel
	tag     string
	owner   *listenerSet
	once    sync.Once
	err     error
}

// Tag returns the consumer tag of the listener.
func (l *Listener) Tag() string {
	return l.tag
}

// Close cancels the listener and closes its channel. It is safe to call more
// than once.
func (l *Listener) Close(ctx context.Context) error {
	l.once.Do(func() {
		l.owner.remove(l)
		l.err = closeConsumer(ctx, l.channel, l.tag)
	})
	return l.err
}

// Listen subscribes handler to topic outside of any provision. The listener
// is closed by Close or when the instance disconnects.
func (t *Topic) Listen(ctx context.Context, topic string, handler ListenHandler, opts ListenOptions) (*Listener, error) {
	if topic == "" {
		return nil, errspkg.Wrap(KindTopic.String(), "listen", topic, errspkg.ErrTopicRequired)
	}
	exchange := opts.Exchange
	if exchange == "" {
		exchange = DefaultListenExchange
	}
	l, err := listen(ctx, t.host, t.listeners, exchange, false, topic, opts.Parser, handler)
	return l, errspkg.Wrap(KindTopic.String(), "listen", topic, err)
}

// CloseListeners closes every listener opened through Listen.
func (t *Topic) CloseListeners(ctx context.Context) error {
	return t.listeners.closeAll(ctx)
}

// Listeners returns the open listeners.
func (t *Topic) Listeners() []*Listener {
	return t.listeners.snapshot()
}

func listen(ctx context.Context, host Host, set *listenerSet, exchange string, durable bool, topic string, parser Parser, handler ListenHandler) (*Listener, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode, err := parserFor(parser, host)
	if err != nil {
		return nil, err
	}

	ep := newEndpoint(host, KindTopic, topic, func(ctx context.Context, msg handlers.Message) (any, error) {
		payload, err := decode(msg.Body)
		if err != nil {
			return nil, err
		}
		return nil, handler(ctx, payload, msg)
	})

	l := &Listener{Exchange: exchange, Topic: topic, owner: set}
	ch, tag, err := consumeOn(ctx, host, func(ch transport.Channel) (string, transport.DeliveryHandler, error) {
		queue, err := bindTopicQueue(ctx, ch, exchange, topic, durable, true)
		if err != nil {
			return "", nil, err
		}
		l.Queue = queue
		return queue, func(ctx context.Context, d transport.Delivery) {
			_, _ = ep.handle(ctx, d)
		}, nil
	})
	if err != nil {
		return nil, err
	}
	l.channel = ch
	l.tag = tag
	set.add(l)
	return l, nil
}

func parserFor(parser Parser, host Host) (func([]byte) (any, error), error) {
	switch parser {
	case "", ParserString:
		return func(body []byte) (any, error) { return string(body), nil }, nil
	case ParserJSON:
		jsonCodec := codec.NewJSON(host.Logger())
		return func(body []byte) (any, error) {
			var payload any
			if err := jsonCodec.Decode(body, &payload); err != nil {
				return nil, fmt.Errorf("decode json payload: %w", err)
			}
			return payload, nil
		}, nil
	default:
		return nil, fmt.Errorf("burrow: invalid listener parser %q", parser)
	}
}

type listenerSet struct {
	mu    sync.Mutex
	items map[*Listener]struct{}
}

func newListenerSet() *listenerSet {
	return &listenerSet{items: map[*Listener]struct{}{}}
}

func (s *listenerSet) add(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[l] = struct{}{}
}

func (s *listenerSet) remove(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, l)
}

func (s *listenerSet) snapshot() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Listener, 0, len(s.items))
	for l := range s.items {
		out = append(out, l)
	}
	return out
}

func (s *listenerSet) closeAll(ctx context.Context) error {
	var errs []error
	for _, l := range s.snapshot() {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("listener %s: %w", l.Topic, err))
		}
	}
	return errors.Join(errs...)
}
