package patterns

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/transport"
)

// PubSub provisions fan-out subscribers and publishes to them.
type PubSub struct {
	host Host
}

// NewPubSub returns the pubsub executor for host.
func NewPubSub(host Host) *PubSub {
	return &PubSub{host: host}
}

func (s *PubSub) Kind() Kind { return KindPubSub }

// Provision binds an anonymous queue to the fanout exchange of the endpoint
// and runs the handler for every publish.
func (s *PubSub) Provision(ctx context.Context, p *Provision) (transport.Channel, string, error) {
	if err := checkProvision(p, KindPubSub); err != nil {
		return nil, "", err
	}
	exchange, err := resolveExchange(s.host, p.Options.Exchange)
	if err != nil {
		return nil, "", err
	}
	ep := newEndpoint(s.host, KindPubSub, p.Endpoint, p.Handler)

	return consumeOn(ctx, s.host, func(ch transport.Channel) (string, transport.DeliveryHandler, error) {
		if err := declareExchange(ctx, ch, exchange, transport.ExchangeFanout, p.Options.Durable); err != nil {
			return "", nil, err
		}
		queue, err := ch.DeclareQueue(ctx, "", transport.QueueOptions{Exclusive: p.Options.exclusive(), AutoDelete: true})
		if err != nil {
			return "", nil, err
		}
		if err := ch.BindQueue(ctx, queue, exchange, ""); err != nil {
			return "", nil, err
		}
		return queue, func(ctx context.Context, d transport.Delivery) {
			_, _ = ep.handle(ctx, d)
		}, nil
	})
}

// Deprovision cancels the consumer and closes the endpoint channel.
func (s *PubSub) Deprovision(ctx context.Context, p *Provision) error {
	return deprovision(ctx, p)
}

// Publish sends msg to every subscriber of the exchange, by default the
// instance exchange.
func (s *PubSub) Publish(ctx context.Context, msg any, exchange ...string) error {
	resolved, err := resolveExchange(s.host, exchange...)
	if err != nil {
		return errspkg.Wrap(KindPubSub.String(), "publish", "", err)
	}
	return instrument(ctx, s.host, KindPubSub, "publish", resolved, resolved, func(ctx context.Context) error {
		return publish(ctx, s.host, KindPubSub, resolved, transport.ExchangeFanout, false, "", msg)
	})
}

func publish(ctx context.Context, host Host, kind Kind, exchange string, exKind transport.ExchangeKind, durable bool, routingKey string, msg any) error {
	body, err := host.Codec().Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return withChannel(ctx, host, func(ch transport.Channel) error {
		if err := declareExchange(ctx, ch, exchange, exKind, durable); err != nil {
			return err
		}
		accepted, err := ch.Publish(ctx, exchange, routingKey, body, outgoing(ctx, host, kind))
		if err != nil {
			return err
		}
		if !accepted {
			return errspkg.ErrPublishRejected
		}
		return nil
	})
}
