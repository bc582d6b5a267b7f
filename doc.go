// Package burrow turns handler functions into live endpoints on an AMQP
// 0-9-1 broker (RabbitMQ) and gives callers uniform invoke and publish
// operations for four messaging patterns: request/reply (rpc),
// fire-and-forget (fnf), fan-out (pubsub) and topic routing (topic).
//
// An Instance owns one broker connection. Initialize waits for the broker to
// accept TCP connections, connects, provisions every registered endpoint
// concurrently and closes Ready. A Pool shares instances between owners by
// key and disconnects an instance once its last owner detaches; a broker
// that never becomes reachable is fatal.
//
// # Transports
//
// The broker is reached through the transport registry:
//   - rabbitmq: amqp091-go client with publisher confirms
//   - memory: in-process broker for tests and local development
//
// Both are registered when this package is imported. Custom brokers plug in
// through RegisterTransport.
//
// # Endpoints
//
// Endpoints are described by Provision values:
//
//	echo := burrow.MustProvision(burrow.KindRPC, "echo", handler, burrow.Options{})
//	inst, err := pool.Attach(ctx, "billing", cfg, burrow.NewOwnerID(), burrow.WithProvisions(echo))
//
// Typed and ProtoHandler decode payloads before the handler runs, and
// handler middleware (Retry, Timeout, CorrelationID, LogMessages) composes
// through Chain.
//
// # Observability
//
// Lifecycle events replay to late subscribers of Instance.Events and can be
// mirrored onto a broker exchange. Prometheus collectors cover deliveries,
// invocations, provisioning and state, and NewStatusMux serves a JSON pool
// snapshot next to /metrics. Invocations and deliveries are traced with
// OpenTelemetry, propagating the trace context in message headers.
package burrow
