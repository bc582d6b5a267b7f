/*
Package runtime provides the connection lifecycle and the shared instance pool
behind burrow.

# Architecture Overview

An Instance owns one broker connection. Initialize probes the broker, dials
it through the transport registry, provisions every registered endpoint
concurrently and closes Ready. Endpoints are described by
patterns.Provision values and served by one of the pattern executors:
request/reply (rpc), fire-and-forget (fnf), fan-out (pubsub) and
topic-routed subscriptions (topic).

A Pool shares instances between owners by key. The first Attach creates and
initializes the instance, later attaches reuse it, and the Detach of the last
owner disconnects it.

# Package Structure

## Instance (instance.go)

The lifecycle state machine:

	idle -> awaiting_service -> connecting -> connected -> ready
	     -> disconnecting -> closed

A broker that stays unreachable after the probe retries, or refuses the
connection, is fatal: the fatal handler runs, which exits the process unless
WithFatalHandler replaced it.

## Pool (pool.go)

Reference-counted instances keyed by name. Owners are opaque ids, usually
minted with NewOwnerID.

## Lifecycle events (events.go)

Every transition is published on an in-process watermill bus that replays
its history to late subscribers. Setting Config.LifecycleExchange mirrors
the events onto a broker exchange.

## Metrics & Status (metrics.go, status.go, resources.go)

Prometheus collectors for deliveries, invocations, provisioning and state,
plus an HTTP handler reporting the pool snapshot and process resource usage.

# Sub-packages

  - codec/: JSON (sonic) and protobuf payload codecs
  - config/: Instance configuration with env loading and validation
  - errors/: Sentinel errors, OperationError and operator hints
  - handlers/: Handler signature, typed adapters and middleware
  - ids/: ULID generation for owners, consumer tags and correlation ids
  - logging/: Logger interface and adapters
  - metadata/: Message header utilities
  - patterns/: The pattern executors and provision registry
  - probe/: TCP reachability prober

# Usage Example

	pool := runtime.NewPool(runtime.WithPoolLogger(logger))

	echo, _ := patterns.NewProvision(patterns.KindRPC, "echo", handler, patterns.Options{})
	inst, err := pool.Attach(ctx, "billing", cfg, runtime.NewOwnerID(), runtime.WithProvisions(echo))
	if err != nil {
		return err
	}

	var reply Greeting
	err = inst.RPC().Invoke(ctx, "echo", Greeting{Name: "ada"}, &reply)
*/
package runtime
