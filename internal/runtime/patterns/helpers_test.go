package patterns

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/burrow/internal/runtime/codec"
	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	"github.com/drblury/burrow/transport"
	"github.com/drblury/burrow/transport/memory"
)

type testHost struct {
	conn     transport.Connection
	exchange string
	prefix   bool
	codec    codec.Codec
	hooks    DeliveryHooks
	timeout  time.Duration
}

func newTestHost(t *testing.T) (*testHost, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker()
	conn := broker.Connect(nil)
	t.Cleanup(func() { _ = conn.Close() })
	return &testHost{
		conn:     conn,
		exchange: "tests",
		codec:    codec.NewJSON(nil),
		timeout:  2 * time.Second,
	}, broker
}

func (h *testHost) Connection() (transport.Connection, error) {
	if h.conn == nil {
		return nil, errspkg.ErrNotConnected
	}
	return h.conn, nil
}

func (h *testHost) Exchange() string { return h.exchange }

func (h *testHost) QueueName(endpoint string) string {
	if h.prefix && h.exchange != "" {
		return h.exchange + "." + endpoint
	}
	return endpoint
}

func (h *testHost) Codec() codec.Codec                 { return h.codec }
func (h *testHost) Logger() loggingpkg.ServiceLogger   { return loggingpkg.NewNopLogger() }
func (h *testHost) Hooks() DeliveryHooks               { return h.hooks }
func (h *testHost) RPCTimeout() time.Duration          { return h.timeout }

// provision runs exec against a new provision and binds the result.
func provision(t *testing.T, exec Executor, kind Kind, endpoint string, handler handlers.Handler, opts Options) *Provision {
	t.Helper()
	p, err := NewProvision(kind, endpoint, handler, opts)
	require.NoError(t, err)
	require.True(t, p.Claim())
	ch, tag, err := exec.Provision(context.Background(), p)
	require.NoError(t, err)
	p.Bind(ch, tag)
	return p
}

// recorder collects handler invocations.
type recorder struct {
	mu    sync.Mutex
	calls []handlers.Message
	seen  chan handlers.Message
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan handlers.Message, 16)}
}

func (r *recorder) handler(result any) handlers.Handler {
	return func(_ context.Context, msg handlers.Message) (any, error) {
		r.mu.Lock()
		r.calls = append(r.calls, msg)
		r.mu.Unlock()
		r.seen <- msg
		return result, nil
	}
}

func (r *recorder) next(t *testing.T) handlers.Message {
	t.Helper()
	select {
	case msg := <-r.seen:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
		return handlers.Message{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.seen:
		t.Fatalf("unexpected delivery with routing key %q", msg.RoutingKey)
	case <-time.After(50 * time.Millisecond):
	}
}
