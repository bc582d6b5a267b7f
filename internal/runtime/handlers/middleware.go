package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies mws to h. The first middleware is the outermost one.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// CorrelationID sets msg.CorrelationID to a fresh ULID when the publisher
// did not send one.
func CorrelationID() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (any, error) {
			if msg.CorrelationID == "" {
				msg.CorrelationID = idspkg.CreateULID()
			}
			return next(ctx, msg)
		}
	}
}

// LogMessages logs every message at debug level before it reaches the
// handler. A nil logger falls back to msg.Logger.
func LogMessages(logger loggingpkg.ServiceLogger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (any, error) {
			l := logger
			if l == nil {
				l = msg.Logger
			}
			if l != nil {
				l.Debug("Received message", loggingpkg.LogFields{
					"endpoint":       msg.Endpoint,
					"routing_key":    msg.RoutingKey,
					"correlation_id": msg.CorrelationID,
					"payload":        string(msg.Body),
				})
			}
			return next(ctx, msg)
		}
	}
}

// Timeout cancels the handler context after d.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, msg Message) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg)
		}
	}
}

// RetryConfig customises Retry.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether err is worth another attempt. Nil retries
	// every error.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// Retry re-runs a failing handler with exponential backoff. The last error
// is returned once the retries are spent or ctx ends.
func Retry(cfg RetryConfig) Middleware {
	cfg = cfg.withDefaults()
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (any, error) {
			attempt := 0
			op := func() (any, error) {
				attempt++
				result, err := next(ctx, msg)
				if err == nil {
					return result, nil
				}
				if cfg.RetryIf != nil && !cfg.RetryIf(err) {
					return nil, backoff.Permanent(err)
				}
				return nil, err
			}

			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval

			result, err := backoff.Retry(ctx, op,
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
				backoff.WithMaxElapsedTime(0),
				backoff.WithNotify(func(err error, wait time.Duration) {
					if msg.Logger != nil {
						msg.Logger.Warn("Handler failed, retrying", loggingpkg.LogFields{
							"endpoint": msg.Endpoint,
							"attempt":  attempt,
							"wait":     wait.String(),
							"error":    err.Error(),
						})
					}
				}),
			)
			if err != nil {
				var permanent *backoff.PermanentError
				if errors.As(err, &permanent) {
					err = permanent.Err
				}
				return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return result, nil
		}
	}
}
