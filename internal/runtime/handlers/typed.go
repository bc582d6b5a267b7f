package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
)

// TypedHandler processes a decoded payload and returns the reply.
type TypedHandler[T any, O any] func(ctx context.Context, payload T, msg Message) (O, error)

// ConsumerHandler processes a decoded payload without replying.
type ConsumerHandler[T any] func(ctx context.Context, payload T, msg Message) error

// Typed adapts fn into a Handler that decodes the body into T. T may be a
// value type or a pointer type; pointers are allocated per message.
func Typed[T any, O any](fn TypedHandler[T, O]) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	newPayload := payloadFactory[T]()

	return func(ctx context.Context, msg Message) (any, error) {
		payload, target := newPayload()
		if err := msg.Decode(target); err != nil {
			return nil, fmt.Errorf("failed to decode %T payload: %w", *payload, err)
		}
		return fn(ctx, *payload, msg)
	}, nil
}

// Consumer adapts fn into a Handler for patterns that never reply.
func Consumer[T any](fn ConsumerHandler[T]) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return Typed(func(ctx context.Context, payload T, msg Message) (struct{}, error) {
		return struct{}{}, fn(ctx, payload, msg)
	})
}

// MustTyped is Typed that panics on a nil function.
func MustTyped[T any, O any](fn TypedHandler[T, O]) Handler {
	h, err := Typed(fn)
	if err != nil {
		panic(err)
	}
	return h
}

// payloadFactory returns a constructor yielding a fresh *T and the value the
// codec should decode into. Pointer types get their element allocated and are
// decoded into directly so proto messages reach the codec as proto.Message.
func payloadFactory[T any]() func() (*T, any) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return func() (*T, any) {
			payload := new(T)
			return payload, payload
		}
	}
	elem := typ.Elem()
	return func() (*T, any) {
		inner := reflect.New(elem).Interface().(T)
		return &inner, inner
	}
}
