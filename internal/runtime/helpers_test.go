package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/burrow/internal/runtime/config"
	"github.com/drblury/burrow/internal/runtime/handlers"
	idspkg "github.com/drblury/burrow/internal/runtime/ids"
	"github.com/drblury/burrow/internal/runtime/patterns"
	"github.com/drblury/burrow/transport/memory"
)

// memoryConfig returns a config pointing at a fresh in-memory broker.
func memoryConfig(t *testing.T) configpkg.Config {
	t.Helper()
	cfg := configpkg.Default()
	cfg.Transport = memory.TransportName
	cfg.URL = "memory://" + strings.ToLower(idspkg.CreateULID())
	cfg.Exchange = "tests"
	cfg.SkipServiceProbe = true
	cfg.RPCTimeout = 2 * time.Second
	t.Cleanup(func() { memory.Reset(cfg.URL) })
	return cfg
}

func brokerFor(t *testing.T, cfg configpkg.Config) *memory.Broker {
	t.Helper()
	b, err := memory.Lookup(cfg.URL)
	require.NoError(t, err)
	return b
}

func echoProvision(t *testing.T, endpoint string) *patterns.Provision {
	t.Helper()
	p, err := patterns.NewProvision(patterns.KindRPC, endpoint, func(_ context.Context, msg handlers.Message) (any, error) {
		var in map[string]any
		if err := msg.Decode(&in); err != nil {
			return nil, err
		}
		return in, nil
	}, patterns.Options{})
	require.NoError(t, err)
	return p
}

func sinkProvision(t *testing.T, kind patterns.Kind, endpoint string, opts patterns.Options) (*patterns.Provision, <-chan handlers.Message) {
	t.Helper()
	seen := make(chan handlers.Message, 16)
	p, err := patterns.NewProvision(kind, endpoint, func(_ context.Context, msg handlers.Message) (any, error) {
		seen <- msg
		return nil, nil
	}, opts)
	require.NoError(t, err)
	return p, seen
}

func receive(t *testing.T, ch <-chan handlers.Message) handlers.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return handlers.Message{}
	}
}

func newTestInstance(t *testing.T, cfg configpkg.Config, opts ...Option) *Instance {
	t.Helper()
	inst, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Disconnect(context.Background()) })
	return inst
}

// fatalRecorder captures fatal errors instead of exiting.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) handle(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) calls() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

// testPublisher records mirrored lifecycle events.
type testPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
	err      error
	closed   bool
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = map[string][]*message.Message{}
	}
	p.messages[topic] = append(p.messages[topic], messages...)
	return nil
}

func (p *testPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *testPublisher) published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages[topic]...)
}

func (p *testPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
