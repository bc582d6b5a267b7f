package patterns

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
)

// DeliveryInfo describes one message handed to an endpoint handler.
type DeliveryInfo struct {
	Pattern       Kind
	Endpoint      string
	Exchange      string
	RoutingKey    string
	CorrelationID string
	StartedAt     time.Time
	// Duration is only set for OnHandled and OnHandlerError.
	Duration time.Duration
}

// InvokeInfo describes one outgoing invoke or publish call.
type InvokeInfo struct {
	Pattern   Kind
	Op        string
	Endpoint  string
	Exchange  string
	StartedAt time.Time
	Duration  time.Duration
}

// DeliveryHooks are optional callbacks around handler execution and
// outgoing calls. Nil hooks are skipped.
type DeliveryHooks struct {
	// OnDelivery runs before the handler.
	OnDelivery func(ctx context.Context, info DeliveryInfo)
	// OnHandled runs after the handler returned without error.
	OnHandled func(ctx context.Context, info DeliveryInfo)
	// OnHandlerError runs after the handler failed, including decode
	// failures and panics.
	OnHandlerError func(ctx context.Context, info DeliveryInfo, err error)
	// OnInvoke runs after every invoke or publish; err is nil on success.
	OnInvoke func(ctx context.Context, info InvokeInfo, err error)
}

// Merge combines two DeliveryHooks. The hooks from other run after those of h.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDelivery:     chainDeliveryHooks(h.OnDelivery, other.OnDelivery),
		OnHandled:      chainDeliveryHooks(h.OnHandled, other.OnHandled),
		OnHandlerError: chainErrorHooks(h.OnHandlerError, other.OnHandlerError),
		OnInvoke:       chainInvokeHooks(h.OnInvoke, other.OnInvoke),
	}
}

func (h DeliveryHooks) delivery(ctx context.Context, info DeliveryInfo) {
	if h.OnDelivery != nil {
		h.OnDelivery(ctx, info)
	}
}

func (h DeliveryHooks) handled(ctx context.Context, info DeliveryInfo, err error) {
	if err != nil {
		if h.OnHandlerError != nil {
			h.OnHandlerError(ctx, info, err)
		}
		return
	}
	if h.OnHandled != nil {
		h.OnHandled(ctx, info)
	}
}

func (h DeliveryHooks) invoked(ctx context.Context, info InvokeInfo, err error) {
	if h.OnInvoke != nil {
		h.OnInvoke(ctx, info, err)
	}
}

func chainDeliveryHooks(a, b func(context.Context, DeliveryInfo)) func(context.Context, DeliveryInfo) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info DeliveryInfo) {
		a(ctx, info)
		b(ctx, info)
	}
}

func chainErrorHooks(a, b func(context.Context, DeliveryInfo, error)) func(context.Context, DeliveryInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info DeliveryInfo, err error) {
		a(ctx, info, err)
		b(ctx, info, err)
	}
}

func chainInvokeHooks(a, b func(context.Context, InvokeInfo, error)) func(context.Context, InvokeInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info InvokeInfo, err error) {
		a(ctx, info, err)
		b(ctx, info, err)
	}
}

// LoggingHooks returns hooks that log handler activity at debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDelivery: func(_ context.Context, info DeliveryInfo) {
			logger.Debug("Delivery received", loggingpkg.LogFields{
				"pattern":     info.Pattern.String(),
				"endpoint":    info.Endpoint,
				"routing_key": info.RoutingKey,
			})
		},
		OnHandled: func(_ context.Context, info DeliveryInfo) {
			logger.Debug("Delivery handled", loggingpkg.LogFields{
				"pattern":     info.Pattern.String(),
				"endpoint":    info.Endpoint,
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnInvoke: func(_ context.Context, info InvokeInfo, err error) {
			fields := loggingpkg.LogFields{
				"pattern":     info.Pattern.String(),
				"op":          info.Op,
				"endpoint":    info.Endpoint,
				"exchange":    info.Exchange,
				"duration_ms": info.Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.Debug("Invocation finished", fields)
		},
	}
}
