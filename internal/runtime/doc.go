/*
Package runtime provides the Bus, the composition root of natsflow.

# Architecture Overview

A Bus owns one broker connection and routes typed Go values over it in four
shapes: commands and requests travel through JetStream streams and are
acknowledged by durable consumers, while events and queries use core NATS
subjects. Outbound values go through targets. Inbound values arrive through
sources, each run by its own engine.

# Package Structure

## Bus (bus.go)

The Bus struct wires together:
  - the broker (built from the broker registry unless one is supplied)
  - the toolbox used by every target and source
  - the serializer resolver
  - the middleware chain applied to every source
  - the lazily created distributed lock service
  - HTTP servers for /metrics

## Registration (registration.go)

Targets are kept in one selector per kind, so a message is sent through the
target whose registered type is nearest to the message type. Sources are
validated on registration and turned into engines when the bus starts.
Registrations are rejected once Start has been called.

## Sending (send.go)

Send, Publish, Query and Request pick the nearest target of the matching kind.
The generic Query and Request helpers type the reply.

## Middleware (middleware.go, hooks.go)

  - CorrelationID: gives every dispatched message a correlation ID
  - LogMessages: debug logging of inbound messages
  - Validate: rejects payloads the configured Validator refuses
  - Retry: in-process exponential backoff
  - JobHooks: lifecycle callbacks

# Sub-packages

  - config/: bus configuration with validation
  - engine/: inbound engine, keep-alive and worker pool
  - errors/: sentinel errors and error types
  - handlers/: target and source strategies, typed handler adapters
  - ids/: ULID generation
  - lock/: distributed lock over a key-value bucket
  - logging/: logger interface and adapters
  - metadata/: header metadata utilities
  - selector/: type distance ranking
  - serialization/: serializer resolution and known types
  - toolbox/: broker façade with metrics and tracing

# Usage Example

	bus, err := natsflow.NewBus(ctx, &natsflow.Config{NATSURL: "nats://localhost:4222"}, logger, natsflow.BusDependencies{})
	if err != nil {
		return err
	}
	defer bus.Close()

	_ = natsflow.RegisterCommandTarget[PlaceOrder](bus, "orders.place")
	handler, _ := natsflow.Handle(placeOrder, logger)
	_ = natsflow.RegisterCommandSource[PlaceOrder](bus, natsflow.SourceSpec{Stream: "ORDERS", Consumer: "fulfilment"}, handler)

	go bus.Start(ctx)
	_ = bus.Send(ctx, PlaceOrder{ID: "42"})
*/
package runtime
