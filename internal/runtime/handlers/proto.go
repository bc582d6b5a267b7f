package handlers

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
)

// Proto adapts fn into a Handler for protobuf payloads of the prototype's
// message type. A fresh message is allocated per delivery.
func Proto[T proto.Message, O any](prototype T, fn TypedHandler[T, O]) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	newMessage := func() (T, bool) {
		typed, ok := prototype.ProtoReflect().New().Interface().(T)
		return typed, ok
	}

	return func(ctx context.Context, msg Message) (any, error) {
		payload, ok := newMessage()
		if !ok {
			return nil, fmt.Errorf("unexpected prototype type %T", prototype)
		}
		if err := unmarshalProto(msg, payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
		}
		return fn(ctx, payload, msg)
	}, nil
}

// unmarshalProto parses JSON content types with protojson and everything
// else as binary wire format.
func unmarshalProto(msg Message, target proto.Message) error {
	if strings.Contains(msg.ContentType, "json") {
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(msg.Body, target)
	}
	return proto.Unmarshal(msg.Body, target)
}

// EnsureProtoPrototype returns candidate, or a freshly allocated message of
// its type when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	var zero T
	msg := proto.Message(candidate)
	if msg == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	val := reflect.ValueOf(msg)
	if val.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointer
	}
	if !val.IsNil() {
		return candidate, nil
	}
	typed, ok := reflect.New(val.Type().Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", val.Type())
	}
	return typed, nil
}
