/*
Package runtime provides the core event dispatch infrastructure for listenable.

# Architecture Overview

The runtime package implements an in-process lifecycle event dispatcher. An
entity source publishes created/updated/deleted events onto an internal bus,
and registered listeners handle them either synchronously on the publishing
goroutine or asynchronously on a bounded worker pool.

# Package Structure

The runtime package is organized into the following components:

## Core Dispatcher (dispatcher.go)

The Dispatcher struct is the central orchestrator that wires together:
  - Listener registry and binding declarations
  - Event bus for in-process fan-out
  - Async executor with a bounded queue and worker pool
  - Middleware chain
  - HTTP servers for metrics and the stats API

## Listener Registration (registry.go)

Listener registration files provide the declaration surface:
  - ListenerRegistration declares an entity type with event bindings
  - HandlerBinding pairs a lifecycle event with its handler and mode

## Wiring (wiring.go, bus.go)

Bind installs lifecycle hooks on the entity source and subscribes the
declared handlers. Re-binding the same event key replaces the previous
subscriptions, so configuration reloads never double-fire.

## Middleware (middleware.go, hooks.go)

The middleware system provides composable dispatch stages:
  - LogDispatches: Debug logging of dispatched events
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Recoverer: Panic recovery
  - DispatchHooks: User callbacks around handler execution

## Async Execution (executor.go)

The async executor runs handlers on a worker pool sized from the source's
capacity. When the queue fills up, dispatches run on the publisher goroutine
or are dropped, depending on the configured overflow policy.

## Stats & Monitoring (models.go, metrics.go, resources.go)

Extended metrics collection for listener performance:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Failure and panic counts
  - Resource usage sampling

## Stats API (statsapi.go)

HTTP API for introspecting listener state and statistics.

# Sub-packages

  - config/: Dispatcher configuration with validation
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for event IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters

# Usage Example

	cfg := &listenable.Config{
		WorkerRatio:    0.25,
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	d := listenable.NewDispatcher(cfg, logger, listenable.DispatcherDependencies{
		Source: store,
	})

	listenable.RegisterListener(d, listenable.ListenerRegistration{
		EntityType: "order",
		Bindings: []listenable.Binding{
			{Event: "created", Async: true},
		},
		Handlers: map[string]listenable.HandlerFunc{
			"created": notifyOrderCreated,
		},
	})

	d.Bind()
*/
package runtime
