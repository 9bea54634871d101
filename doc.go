// Package natsflow is a small messaging layer on top of NATS and JetStream that
// moves typed Go values between services in four shapes: commands and requests
// are persisted in JetStream streams and processed by durable consumers, while
// events and queries travel over core NATS subjects.
//
// Bus is the composition root. It reads the broker ("nats" or the in-memory
// "memory" broker used in tests) from Config, and exposes typed helpers:
// RegisterCommandTarget and friends decide where outbound values go, while
// RegisterCommandSource and friends run a handler for every inbound value. A
// minimal setup therefore involves filling Config, creating a Bus, registering
// targets and sources, and calling Start.
//
// # Targets
//
// Targets are matched by type distance. A value is sent through the registered
// target whose type is nearest: the exact type first, then embedded base
// structs, then implemented interfaces, then any.
//
// # Sources
//
// Each source runs in its own engine with a configurable worker count. Durable
// sources report in-flight messages as still processing so slow handlers are
// not redelivered. Query and request sources reply to the sender, carrying
// handler failures back as remote errors.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, debug
// logging and payload validation. Retry and job hooks can be added via
// BusDependencies.Middlewares.
//
// # Locks
//
// Bus.Locker returns a distributed lock backed by a JetStream key-value
// bucket. Leases renew themselves until released and waiters are woken as
// soon as the key is deleted.
package natsflow
