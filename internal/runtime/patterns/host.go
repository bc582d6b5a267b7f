package patterns

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/burrow/internal/runtime/codec"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	"github.com/drblury/burrow/transport"
)

// Host is what executors need from the instance that owns them.
type Host interface {
	// Connection returns the live broker connection or ErrNotConnected.
	Connection() (transport.Connection, error)
	// Exchange is the default exchange, "" when none is configured.
	Exchange() string
	// QueueName applies the exchange prefix to an endpoint name when enabled.
	QueueName(endpoint string) string
	Codec() codec.Codec
	Logger() loggingpkg.ServiceLogger
	Hooks() DeliveryHooks
	// RPCTimeout bounds rpc invocations; zero waits for ctx only.
	RPCTimeout() time.Duration
}

// Executor provisions and tears down endpoints of one Kind.
type Executor interface {
	Kind() Kind
	Provision(ctx context.Context, p *Provision) (transport.Channel, string, error)
	Deprovision(ctx context.Context, p *Provision) error
}

// Executors bundles one executor per Kind for a host.
type Executors struct {
	RPC    *RPC
	FNF    *FNF
	PubSub *PubSub
	Topic  *Topic
	CTE    *CTE
}

// NewExecutors builds every executor against host.
func NewExecutors(host Host) *Executors {
	return &Executors{
		RPC:    NewRPC(host),
		FNF:    NewFNF(host),
		PubSub: NewPubSub(host),
		Topic:  NewTopic(host),
		CTE:    NewCTE(host),
	}
}

// For returns the executor provisioning kind.
func (e *Executors) For(kind Kind) (Executor, bool) {
	switch kind {
	case KindRPC:
		return e.RPC, true
	case KindFNF:
		return e.FNF, true
	case KindPubSub:
		return e.PubSub, true
	case KindTopic:
		return e.Topic, true
	default:
		return nil, false
	}
}

// CloseListeners closes every ad-hoc listener opened through Topic.Listen
// and CTE.Subscribe.
func (e *Executors) CloseListeners(ctx context.Context) error {
	return errors.Join(e.Topic.CloseListeners(ctx), e.CTE.CloseListeners(ctx))
}
