package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnection struct {
	url string
}

func (s *stubConnection) Channel(context.Context) (Channel, error) { return nil, ErrClosed }
func (s *stubConnection) Close() error                             { return nil }

func stubDialer(ctx context.Context, url string, logger watermill.LoggerAdapter) (Connection, error) {
	return &stubConnection{url: url}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", stubDialer)

	assert.True(t, reg.Has("stub"))
	assert.Equal(t, []string{"stub"}, reg.Names())
}

func TestRegistry_Capabilities(t *testing.T) {
	reg := NewRegistry()
	reg.Register("plain", stubDialer)
	reg.RegisterWithCapabilities("amqp", stubDialer, RabbitMQCapabilities)
	reg.RegisterWithCapabilities("unnamed", stubDialer, Capabilities{Durable: true})

	caps, ok := reg.Capabilities("plain")
	require.True(t, ok)
	assert.Equal(t, Capabilities{Name: "plain"}, caps)

	caps, ok = reg.Capabilities("amqp")
	require.True(t, ok)
	assert.True(t, caps.PublisherConfirms)
	assert.True(t, caps.Remote)
	assert.Equal(t, "rabbitmq", caps.Name)

	caps, ok = reg.Capabilities("unnamed")
	require.True(t, ok)
	assert.Equal(t, "unnamed", caps.Name)
	assert.True(t, caps.Durable)

	_, ok = reg.Capabilities("missing")
	assert.False(t, ok)

	reg.Register("amqp", stubDialer)
	caps, _ = reg.Capabilities("amqp")
	assert.False(t, caps.PublisherConfirms, "re-registering replaces the capabilities")
}

func TestRegistry_Names_Sorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("memory", stubDialer)
	reg.Register("amqp", stubDialer)

	assert.Equal(t, []string{"amqp", "memory"}, reg.Names())
}

func TestRegistry_Dial(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", stubDialer)

	conn, err := reg.Dial(context.Background(), "stub", "amqp://localhost", nil)
	require.NoError(t, err)

	stub, ok := conn.(*stubConnection)
	require.True(t, ok)
	assert.Equal(t, "amqp://localhost", stub.url)
}

func TestRegistry_Dial_UnknownTransport(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Dial(context.Background(), "unknown", "amqp://localhost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestRegistry_Dial_DialerError(t *testing.T) {
	reg := NewRegistry()
	expectedErr := errors.New("dial error")
	reg.Register("failing", func(context.Context, string, watermill.LoggerAdapter) (Connection, error) {
		return nil, expectedErr
	})

	_, err := reg.Dial(context.Background(), "failing", "amqp://localhost", watermill.NopLogger{})
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_Register_Replaces(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(context.Context, string, watermill.LoggerAdapter) (Connection, error) {
		return nil, errors.New("old")
	})
	reg.Register("stub", stubDialer)

	_, err := reg.Dial(context.Background(), "stub", "amqp://localhost", nil)
	assert.NoError(t, err)
}

func TestDefaultRegistryHelpers(t *testing.T) {
	original := DefaultRegistry
	t.Cleanup(func() { DefaultRegistry = original })

	DefaultRegistry = NewRegistry()
	Register("stub", stubDialer)
	RegisterWithCapabilities("confirming", stubDialer, Capabilities{PublisherConfirms: true})

	caps, ok := GetCapabilities("confirming")
	require.True(t, ok)
	assert.True(t, caps.PublisherConfirms)

	conn, err := Dial(context.Background(), "stub", "amqp://guest@localhost", nil)
	require.NoError(t, err)
	assert.NotNil(t, conn)
}
