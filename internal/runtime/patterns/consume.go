package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/internal/runtime/handlers"
	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	metadatapkg "github.com/drblury/burrow/internal/runtime/metadata"
	"github.com/drblury/burrow/transport"
)

// endpoint runs a handler for the deliveries of one consumer.
type endpoint struct {
	host    Host
	kind    Kind
	name    string
	handler handlers.Handler
	decoder handlers.Decoder
}

func newEndpoint(host Host, kind Kind, name string, handler handlers.Handler) endpoint {
	return endpoint{host: host, kind: kind, name: name, handler: handler, decoder: host.Codec()}
}

// handle wraps the delivery in a Message and runs the handler with tracing
// and hooks.
func (e endpoint) handle(ctx context.Context, d transport.Delivery) (any, error) {
	ctx = extractTrace(ctx, d.Headers)
	ctx, span := startSpan(ctx, e.kind, "handle", trace.SpanKindConsumer,
		attribute.String("burrow.endpoint", e.name),
		attribute.String("messaging.destination.name", d.Exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
	)

	info := DeliveryInfo{
		Pattern:       e.kind,
		Endpoint:      e.name,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		CorrelationID: d.CorrelationID,
		StartedAt:     time.Now(),
	}
	hooks := e.host.Hooks()
	hooks.delivery(ctx, info)

	logger := e.host.Logger().With(loggingpkg.LogFields{
		"pattern":  e.kind.String(),
		"endpoint": e.name,
	})
	msg := handlers.NewMessage(d.Body, e.decoder)
	msg.ContentType = d.ContentType
	msg.Endpoint = e.name
	msg.Exchange = d.Exchange
	msg.RoutingKey = d.RoutingKey
	msg.CorrelationID = d.CorrelationID
	msg.Metadata = metadatapkg.FromHeaders(d.Headers)
	msg.Logger = logger

	result, err := safeCall(ctx, e.handler, msg)

	info.Duration = time.Since(info.StartedAt)
	finishSpan(span, err)
	hooks.handled(ctx, info, err)
	if err != nil {
		logger.Error("Handler failed", err, loggingpkg.LogFields{
			"routing_key":    d.RoutingKey,
			"correlation_id": d.CorrelationID,
		})
	}
	return result, err
}

func safeCall(ctx context.Context, h handlers.Handler, msg handlers.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("burrow: handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

// consumeOn opens a channel, lets setup declare what it needs and pick the
// queue, then starts consuming. The channel is closed again on any failure.
func consumeOn(ctx context.Context, host Host, setup func(ch transport.Channel) (string, transport.DeliveryHandler, error)) (transport.Channel, string, error) {
	conn, err := host.Connection()
	if err != nil {
		return nil, "", err
	}
	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, "", err
	}

	queue, deliver, err := setup(ch)
	if err != nil {
		_ = ch.Close()
		return nil, "", err
	}
	tag, err := ch.Consume(ctx, queue, deliver)
	if err != nil {
		_ = ch.Close()
		return nil, "", err
	}
	return ch, tag, nil
}

// withChannel runs fn on a channel opened for this call only.
func withChannel(ctx context.Context, host Host, fn func(ch transport.Channel) error) error {
	conn, err := host.Connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
			host.Logger().Debug("Closing call channel failed", loggingpkg.LogFields{"error": cerr.Error()})
		}
	}()
	return fn(ch)
}

// instrument traces an outgoing call, reports it to the hooks and wraps its
// error in an OperationError.
func instrument(ctx context.Context, host Host, kind Kind, op, target, exchange string, fn func(ctx context.Context) error) error {
	info := InvokeInfo{Pattern: kind, Op: op, Endpoint: target, Exchange: exchange, StartedAt: time.Now()}
	ctx, span := startSpan(ctx, kind, op, trace.SpanKindProducer,
		attribute.String("burrow.endpoint", target),
		attribute.String("messaging.destination.name", exchange),
	)

	err := fn(ctx)

	info.Duration = time.Since(info.StartedAt)
	finishSpan(span, err)
	host.Hooks().invoked(ctx, info, err)
	return errspkg.Wrap(kind.String(), op, target, err)
}

// outgoing builds the properties of a message published by kind.
func outgoing(ctx context.Context, host Host, kind Kind) transport.Properties {
	headers := map[string]string{handlers.HeaderPattern: kind.String()}
	injectTrace(ctx, headers)
	return transport.Properties{
		ContentType: host.Codec().ContentType(),
		MessageID:   idspkg.CreateULID(),
		Headers:     headers,
	}
}

// deprovision cancels the consumer and closes the channel of p. p is flagged
// unprovisioned even when the broker calls fail.
func deprovision(ctx context.Context, p *Provision) error {
	if p == nil {
		return errspkg.ErrProvisionRequired
	}
	ch, tag := p.Unbind()
	return closeConsumer(ctx, ch, tag)
}

func closeConsumer(ctx context.Context, ch transport.Channel, tag string) error {
	if ch == nil {
		return nil
	}
	var errs []error
	if tag != "" {
		if err := ch.Cancel(ctx, tag); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("cancel consumer %s: %w", tag, err))
		}
	}
	if err := ch.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	return errors.Join(errs...)
}

func checkProvision(p *Provision, kind Kind) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Kind != kind {
		return fmt.Errorf("%w: %s executor cannot provision %s endpoint %q", errspkg.ErrUnknownPattern, kind, p.Kind, p.Endpoint)
	}
	return nil
}

// declareExchange declares name unless it is one of the predeclared amq.*
// exchanges, which brokers refuse to declare.
func declareExchange(ctx context.Context, ch transport.Channel, name string, kind transport.ExchangeKind, durable bool) error {
	if strings.HasPrefix(name, "amq.") {
		return nil
	}
	return ch.DeclareExchange(ctx, name, kind, transport.ExchangeOptions{Durable: durable})
}

// resolveExchange picks the first non-empty candidate, then the host default.
func resolveExchange(host Host, candidates ...string) (string, error) {
	for _, c := range candidates {
		if c != "" {
			return c, nil
		}
	}
	if ex := host.Exchange(); ex != "" {
		return ex, nil
	}
	return "", errspkg.ErrExchangeRequired
}
