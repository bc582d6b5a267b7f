package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	metadatapkg "github.com/drblury/burrow/internal/runtime/metadata"
)

type jsonDecoder struct{}

func (jsonDecoder) Decode(data []byte, v any) error { return sonic.Unmarshal(data, v) }

type greeting struct {
	Name string `json:"name"`
}

func TestMessageAccessors(t *testing.T) {
	msg := NewMessage([]byte(`{"name":"ada"}`), jsonDecoder{})
	msg.RoutingKey = "orders.eu.created"
	msg.Metadata = metadatapkg.New("tenant", "acme")

	assert.Equal(t, []string{"orders", "eu", "created"}, msg.RoutingKeys())
	assert.Equal(t, "acme", msg.Get("tenant"))

	cloned := msg.CloneMetadata()
	cloned["tenant"] = "other"
	assert.Equal(t, "acme", msg.Get("tenant"))

	var out greeting
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, "ada", out.Name)

	assert.Nil(t, Message{}.RoutingKeys())
	assert.Error(t, Message{Body: []byte("{}")}.Decode(&out))
}

func TestTypedValuePayload(t *testing.T) {
	h, err := Typed(func(ctx context.Context, in greeting, msg Message) (string, error) {
		return "hello " + in.Name, nil
	})
	require.NoError(t, err)

	out, err := h(context.Background(), NewMessage([]byte(`{"name":"ada"}`), jsonDecoder{}))
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)
}

func TestTypedPointerPayloadIsFreshPerMessage(t *testing.T) {
	var seen []*greeting
	h := MustTyped(func(ctx context.Context, in *greeting, msg Message) (int, error) {
		seen = append(seen, in)
		return len(in.Name), nil
	})

	for _, body := range []string{`{"name":"ada"}`, `{"name":"grace"}`} {
		_, err := h(context.Background(), NewMessage([]byte(body), jsonDecoder{}))
		require.NoError(t, err)
	}

	require.Len(t, seen, 2)
	assert.NotSame(t, seen[0], seen[1])
	assert.Equal(t, "ada", seen[0].Name)
	assert.Equal(t, "grace", seen[1].Name)
}

func TestTypedDecodeFailure(t *testing.T) {
	called := false
	h := MustTyped(func(ctx context.Context, in greeting, msg Message) (any, error) {
		called = true
		return nil, nil
	})

	_, err := h(context.Background(), NewMessage([]byte("{"), jsonDecoder{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode handlers.greeting payload")
	assert.False(t, called)
}

func TestTypedRequiresFunction(t *testing.T) {
	_, err := Typed[greeting, string](nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = Consumer[greeting](nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	assert.Panics(t, func() { MustTyped[greeting, string](nil) })
}

func TestConsumerPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	h, err := Consumer(func(ctx context.Context, in greeting, msg Message) error {
		return boom
	})
	require.NoError(t, err)

	_, err = h(context.Background(), NewMessage([]byte(`{}`), jsonDecoder{}))
	assert.ErrorIs(t, err, boom)
}

func TestProtoHandlerBinaryAndJSON(t *testing.T) {
	h, err := Proto((*wrapperspb.StringValue)(nil), func(ctx context.Context, in *wrapperspb.StringValue, msg Message) (*wrapperspb.StringValue, error) {
		return wrapperspb.String("echo " + in.GetValue()), nil
	})
	require.NoError(t, err)

	binary, err := proto.Marshal(wrapperspb.String("bin"))
	require.NoError(t, err)
	out, err := h(context.Background(), Message{Body: binary, ContentType: "application/x-protobuf"})
	require.NoError(t, err)
	assert.Equal(t, "echo bin", out.(*wrapperspb.StringValue).GetValue())

	jsonBody, err := protojson.Marshal(wrapperspb.String("json"))
	require.NoError(t, err)
	out, err = h(context.Background(), Message{Body: jsonBody, ContentType: "application/json"})
	require.NoError(t, err)
	assert.Equal(t, "echo json", out.(*wrapperspb.StringValue).GetValue())

	_, err = h(context.Background(), Message{Body: []byte("{"), ContentType: "application/json"})
	assert.Error(t, err)
}

func TestProtoHandlerRequiresFunction(t *testing.T) {
	_, err := Proto[*wrapperspb.StringValue, any](wrapperspb.String(""), nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestEnsureProtoPrototype(t *testing.T) {
	existing := wrapperspb.String("x")
	got, err := EnsureProtoPrototype(existing)
	require.NoError(t, err)
	assert.Same(t, existing, got)

	allocated, err := EnsureProtoPrototype((*wrapperspb.StringValue)(nil))
	require.NoError(t, err)
	assert.NotNil(t, allocated)

	_, err = EnsureProtoPrototype[proto.Message](nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)
}
