package handlers

import (
	"context"
	"errors"
	"strings"

	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
	metadatapkg "github.com/drblury/burrow/internal/runtime/metadata"
)

// Decoder turns a message body into a Go value.
type Decoder interface {
	Decode(data []byte, v any) error
}

// Handler is the function behind a provisioned endpoint. The result is sent
// back to the caller for rpc endpoints and discarded by the other patterns.
type Handler func(ctx context.Context, msg Message) (any, error)

// Message is one inbound delivery as seen by a handler.
type Message struct {
	Body          []byte
	ContentType   string
	Endpoint      string
	Exchange      string
	RoutingKey    string
	CorrelationID string
	Metadata      metadatapkg.Metadata
	Logger        loggingpkg.ServiceLogger

	decoder Decoder
}

// NewMessage builds a Message whose Decode uses decoder.
func NewMessage(body []byte, decoder Decoder) Message {
	return Message{Body: body, Metadata: metadatapkg.Metadata{}, decoder: decoder}
}

// WithDecoder returns a copy of m decoding with decoder.
func (m Message) WithDecoder(decoder Decoder) Message {
	m.decoder = decoder
	return m
}

// Decode unmarshals the body into v with the instance codec.
func (m Message) Decode(v any) error {
	if m.decoder == nil {
		return errors.New("burrow: message has no decoder")
	}
	return m.decoder.Decode(m.Body, v)
}

// RoutingKeys splits the routing key on '.', e.g. "orders.eu.created"
// yields ["orders" "eu" "created"]. Topic handlers use it to see which
// segments a wildcard matched.
func (m Message) RoutingKeys() []string {
	if m.RoutingKey == "" {
		return nil
	}
	return strings.Split(m.RoutingKey, ".")
}

// Get retrieves a header value by key.
func (m Message) Get(key string) string {
	return m.Metadata[key]
}

// CloneMetadata returns a copy of the headers so handlers can mutate them.
func (m Message) CloneMetadata() metadatapkg.Metadata {
	return m.Metadata.Clone()
}
