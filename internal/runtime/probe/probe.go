// Package probe waits for a broker to accept TCP connections before the
// runtime dials it.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultRetries     = 25
	DefaultGrace       = 20 * time.Second
	DefaultDialTimeout = 2 * time.Second

	amqpPort  = "5672"
	amqpsPort = "5671"
)

// DialFunc establishes a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config tunes the probe loop.
type Config struct {
	// Interval is the pause between retries.
	Interval time.Duration
	// Retries is the number of attempts after the initial one.
	Retries int
	// Grace is waited once the broker becomes reachable after at least one
	// failed attempt, giving it time to finish booting.
	Grace time.Duration
	// DialTimeout bounds each TCP attempt.
	DialTimeout time.Duration
}

// DefaultConfig returns the standard probe settings.
func DefaultConfig() Config {
	return Config{
		Interval:    DefaultInterval,
		Retries:     DefaultRetries,
		Grace:       DefaultGrace,
		DialTimeout: DefaultDialTimeout,
	}
}

// Option customises a Prober.
type Option func(*Prober)

// WithDialFunc replaces the TCP dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(p *Prober) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// Prober checks broker reachability.
type Prober struct {
	cfg    Config
	logger loggingpkg.ServiceLogger
	dial   DialFunc
}

// New builds a Prober. Zero or negative Interval, Retries and DialTimeout
// values keep their zero meaning: no pause, no retries, no timeout.
func New(cfg Config, logger loggingpkg.ServiceLogger, opts ...Option) *Prober {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	p := &Prober{cfg: cfg, logger: logger}
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		d := net.Dialer{Timeout: p.cfg.DialTimeout}
		return d.DialContext(ctx, network, address)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Address resolves the host:port a broker URL points at.
func Address(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("probe: invalid url: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("probe: url %q has no host", rawURL)
	}
	port := parsed.Port()
	if port == "" {
		port = amqpPort
		if strings.EqualFold(parsed.Scheme, "amqps") {
			port = amqpsPort
		}
	}
	return net.JoinHostPort(host, port), nil
}

// Await returns once the broker behind rawURL accepts a TCP connection. A
// broker reachable on the first attempt returns immediately. Otherwise it
// retries every Interval up to Retries times and waits Grace after the first
// success. Exhaustion yields ErrServiceUnreachable.
func (p *Prober) Await(ctx context.Context, rawURL string) error {
	addr, err := Address(rawURL)
	if err != nil {
		return err
	}

	retries := max(p.cfg.Retries, 0)
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		return struct{}{}, p.attempt(ctx, addr)
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("Broker unreachable, retrying", loggingpkg.LogFields{
			"address": addr,
			"attempt": attempts,
			"retries": retries,
			"next_in": next.String(),
			"error":   err.Error(),
		})
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.Interval)),
		backoff.WithMaxTries(uint(retries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", errspkg.ErrServiceUnreachable, addr, attempts, err)
	}

	if attempts == 1 {
		p.logger.Debug("Broker reachable", loggingpkg.LogFields{"address": addr})
		return nil
	}

	p.logger.Info("Broker reachable, waiting for it to settle", loggingpkg.LogFields{
		"address":  addr,
		"attempts": attempts,
		"grace":    p.cfg.Grace.String(),
	})
	return wait(ctx, p.cfg.Grace)
}

func (p *Prober) attempt(ctx context.Context, addr string) error {
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
