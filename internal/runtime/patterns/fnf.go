package patterns

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/transport"
)

// FNF provisions fire-and-forget endpoints and sends to them.
type FNF struct {
	host Host
}

// NewFNF returns the fnf executor for host.
func NewFNF(host Host) *FNF {
	return &FNF{host: host}
}

func (f *FNF) Kind() Kind { return KindFNF }

// Provision declares the endpoint queue and runs the handler for every
// message. Results are discarded.
func (f *FNF) Provision(ctx context.Context, p *Provision) (transport.Channel, string, error) {
	if err := checkProvision(p, KindFNF); err != nil {
		return nil, "", err
	}
	queue := f.host.QueueName(p.Endpoint)
	ep := newEndpoint(f.host, KindFNF, p.Endpoint, p.Handler)

	return consumeOn(ctx, f.host, func(ch transport.Channel) (string, transport.DeliveryHandler, error) {
		if _, err := ch.DeclareQueue(ctx, queue, transport.QueueOptions{Durable: p.Options.Durable}); err != nil {
			return "", nil, err
		}
		return queue, func(ctx context.Context, d transport.Delivery) {
			_, _ = ep.handle(ctx, d)
		}, nil
	})
}

// Deprovision cancels the consumer and closes the endpoint channel.
func (f *FNF) Deprovision(ctx context.Context, p *Provision) error {
	return deprovision(ctx, p)
}

// InvokeOption tunes a single fnf or cte invocation.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	durable bool
}

// WithDurable declares the target queue durable. It must match how the
// endpoint declared it or the broker rejects the call.
func WithDurable(durable bool) InvokeOption {
	return func(o *invokeOptions) {
		o.durable = durable
	}
}

func applyInvokeOptions(opts []InvokeOption) invokeOptions {
	var o invokeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Invoke declares the queue named endpoint and sends args to it. It returns
// once the message is handed to the broker, whatever the consumer does.
func (f *FNF) Invoke(ctx context.Context, endpoint string, args any, opts ...InvokeOption) error {
	if endpoint == "" {
		return errspkg.Wrap(KindFNF.String(), "invoke", endpoint, errspkg.ErrEndpointRequired)
	}
	o := applyInvokeOptions(opts)
	return instrument(ctx, f.host, KindFNF, "invoke", endpoint, "", func(ctx context.Context) error {
		return sendToQueue(ctx, f.host, KindFNF, endpoint, args, o.durable)
	})
}

func sendToQueue(ctx context.Context, host Host, kind Kind, queue string, msg any, durable bool) error {
	body, err := host.Codec().Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return withChannel(ctx, host, func(ch transport.Channel) error {
		if _, err := ch.DeclareQueue(ctx, queue, transport.QueueOptions{Durable: durable}); err != nil {
			return err
		}
		return ch.SendToQueue(ctx, queue, body, outgoing(ctx, host, kind))
	})
}
