package patterns

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/internal/runtime/handlers"
	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	"github.com/drblury/burrow/transport"
)

// RPC provisions request/reply endpoints and invokes them.
type RPC struct {
	host Host
}

// NewRPC returns the rpc executor for host.
func NewRPC(host Host) *RPC {
	return &RPC{host: host}
}

func (r *RPC) Kind() Kind { return KindRPC }

// Provision declares the endpoint queue and replies to every request with the
// handler's encoded result. Handler failures are replied too, flagged with
// the x-burrow-error header, so callers fail fast instead of waiting.
func (r *RPC) Provision(ctx context.Context, p *Provision) (transport.Channel, string, error) {
	if err := checkProvision(p, KindRPC); err != nil {
		return nil, "", err
	}
	queue := r.host.QueueName(p.Endpoint)
	ep := newEndpoint(r.host, KindRPC, p.Endpoint, p.Handler)

	return consumeOn(ctx, r.host, func(ch transport.Channel) (string, transport.DeliveryHandler, error) {
		if _, err := ch.DeclareQueue(ctx, queue, transport.QueueOptions{Durable: p.Options.Durable}); err != nil {
			return "", nil, err
		}
		return queue, func(ctx context.Context, d transport.Delivery) {
			result, err := ep.handle(ctx, d)
			r.reply(ctx, ch, p.Endpoint, d, result, err)
		}, nil
	})
}

func (r *RPC) reply(ctx context.Context, ch transport.Channel, endpoint string, d transport.Delivery, result any, handlerErr error) {
	logger := r.host.Logger()
	if d.ReplyTo == "" {
		logger.Warn("RPC request without reply address dropped", loggingpkg.LogFields{
			"endpoint":       endpoint,
			"correlation_id": d.CorrelationID,
		})
		return
	}

	props := transport.Properties{
		ContentType:   r.host.Codec().ContentType(),
		CorrelationID: d.CorrelationID,
		MessageID:     idspkg.CreateULID(),
		Headers:       map[string]string{handlers.HeaderPattern: KindRPC.String()},
	}

	var body []byte
	if handlerErr == nil {
		encoded, err := r.host.Codec().Encode(result)
		if err != nil {
			handlerErr = fmt.Errorf("encode reply: %w", err)
		} else {
			body = encoded
		}
	}
	if handlerErr != nil {
		props.Headers[handlers.HeaderError] = handlerErr.Error()
	}

	if err := ch.SendToQueue(ctx, d.ReplyTo, body, props); err != nil {
		logger.Error("Sending RPC reply failed", err, loggingpkg.LogFields{
			"endpoint": endpoint,
			"reply_to": d.ReplyTo,
		})
	}
}

// Deprovision cancels the consumer and closes the endpoint channel.
func (r *RPC) Deprovision(ctx context.Context, p *Provision) error {
	return deprovision(ctx, p)
}

// Invoke sends msg to the queue named endpoint and waits for the first reply,
// decoding it into out when out is non-nil. The wait is bounded by the
// host's rpc timeout and ctx.
func (r *RPC) Invoke(ctx context.Context, endpoint string, msg any, out any) error {
	if endpoint == "" {
		return errspkg.Wrap(KindRPC.String(), "invoke", endpoint, errspkg.ErrEndpointRequired)
	}
	return instrument(ctx, r.host, KindRPC, "invoke", endpoint, "", func(ctx context.Context) error {
		if timeout := r.host.RPCTimeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeoutCause(ctx, timeout, errspkg.ErrReplyTimeout)
			defer cancel()
		}
		return withChannel(ctx, r.host, func(ch transport.Channel) error {
			return r.roundTrip(ctx, ch, endpoint, msg, out)
		})
	})
}

func (r *RPC) roundTrip(ctx context.Context, ch transport.Channel, endpoint string, msg any, out any) error {
	body, err := r.host.Codec().Encode(msg)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	replyQueue, err := ch.DeclareQueue(ctx, "", transport.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return err
	}

	correlationID := idspkg.NewCorrelationID()
	replies := make(chan transport.Delivery, 1)
	tag, err := ch.Consume(ctx, replyQueue, func(_ context.Context, d transport.Delivery) {
		if d.CorrelationID != "" && d.CorrelationID != correlationID {
			return
		}
		select {
		case replies <- d:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = ch.Cancel(context.WithoutCancel(ctx), tag) }()

	props := outgoing(ctx, r.host, KindRPC)
	props.ReplyTo = replyQueue
	props.CorrelationID = correlationID
	if err := ch.SendToQueue(ctx, endpoint, body, props); err != nil {
		return err
	}

	var reply transport.Delivery
	select {
	case reply = <-replies:
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, errspkg.ErrReplyTimeout) {
			return cause
		}
		return ctx.Err()
	}

	if remote := reply.Headers[handlers.HeaderError]; remote != "" {
		return fmt.Errorf("%w: %s", errspkg.ErrRemoteHandler, remote)
	}
	if out == nil {
		return nil
	}
	if err := r.host.Codec().Decode(reply.Body, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
