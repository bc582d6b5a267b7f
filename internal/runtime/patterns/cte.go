package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/transport"
)

// CTE is the legacy helper that addresses everything through the instance
// exchange: queues are named "<exchange>.<queue>" and topics are routed on
// the exchange itself, declared durable.
type CTE struct {
	host Host

	mu        sync.Mutex
	listeners *listenerSet
	byTopic   map[string][]*Listener
}

// NewCTE returns the legacy helper for host.
func NewCTE(host Host) *CTE {
	return &CTE{host: host, listeners: newListenerSet(), byTopic: map[string][]*Listener{}}
}

// Invoke sends msg to the queue "<exchange>.<queue>".
func (c *CTE) Invoke(ctx context.Context, queue string, msg any, opts ...InvokeOption) error {
	exchange, err := resolveExchange(c.host)
	if err != nil {
		return errspkg.Wrap(KindCTE.String(), "invoke", queue, err)
	}
	if queue == "" {
		return errspkg.Wrap(KindCTE.String(), "invoke", queue, errspkg.ErrEndpointRequired)
	}
	o := applyInvokeOptions(opts)
	target := exchange + "." + queue
	return instrument(ctx, c.host, KindCTE, "invoke", target, exchange, func(ctx context.Context) error {
		return sendToQueue(ctx, c.host, KindCTE, target, msg, o.durable)
	})
}

// Publish routes msg with key topic on the instance exchange.
func (c *CTE) Publish(ctx context.Context, topic string, msg any) error {
	exchange, err := resolveExchange(c.host)
	if err != nil {
		return errspkg.Wrap(KindCTE.String(), "publish", topic, err)
	}
	if topic == "" {
		return errspkg.Wrap(KindCTE.String(), "publish", topic, errspkg.ErrTopicRequired)
	}
	return instrument(ctx, c.host, KindCTE, "publish", topic, exchange, func(ctx context.Context) error {
		return publish(ctx, c.host, KindCTE, exchange, transport.ExchangeTopic, true, topic, msg)
	})
}

// Subscribe listens on topic of the instance exchange. Payloads are decoded
// as JSON, with bare NaN values read as 0, unless raw is set, in which case
// the handler receives the body as a string.
func (c *CTE) Subscribe(ctx context.Context, topic string, handler ListenHandler, raw bool) (*Listener, error) {
	exchange, err := resolveExchange(c.host)
	if err != nil {
		return nil, errspkg.Wrap(KindCTE.String(), "subscribe", topic, err)
	}
	if topic == "" {
		return nil, errspkg.Wrap(KindCTE.String(), "subscribe", topic, errspkg.ErrTopicRequired)
	}

	parser := ParserJSON
	if raw {
		parser = ParserString
	}
	l, err := listen(ctx, c.host, c.listeners, exchange, true, topic, parser, handler)
	if err != nil {
		return nil, errspkg.Wrap(KindCTE.String(), "subscribe", topic, err)
	}

	c.mu.Lock()
	c.byTopic[topic] = append(c.byTopic[topic], l)
	c.mu.Unlock()
	return l, nil
}

// Unsubscribe closes every subscription made on topic.
func (c *CTE) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	subs := c.byTopic[topic]
	delete(c.byTopic, topic)
	c.mu.Unlock()

	var errs []error
	for _, l := range subs {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errspkg.Wrap(KindCTE.String(), "unsubscribe", topic, errors.Join(errs...))
}

// CloseListeners closes every subscription.
func (c *CTE) CloseListeners(ctx context.Context) error {
	c.mu.Lock()
	c.byTopic = map[string][]*Listener{}
	c.mu.Unlock()
	if err := c.listeners.closeAll(ctx); err != nil {
		return fmt.Errorf("cte: %w", err)
	}
	return nil
}
