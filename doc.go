// Package listenable is a small in-process dispatcher that decouples entity
// lifecycle events (create/update/delete) from the code reacting to them. A
// host store installs lifecycle hooks through the Source boundary, the
// dispatcher publishes "{entity_type}.{action}" events on an internal bus,
// and registered listeners handle them either synchronously on the
// publishing goroutine or asynchronously on a bounded worker pool.
//
// Dispatcher hosts the engine and exposes the registration surface:
// RegisterListener declares an entity type with its event bindings and
// handler table, Bind wires the declarations onto the source and the bus,
// and Close drains the async executor on shutdown. A minimal setup therefore
// involves filling Config, creating a Dispatcher, registering listeners, and
// calling Bind; see README.md for a copy/paste quick start snippet.
//
// # Dispatch Modes
//
// Each binding chooses one of two modes:
//   - sync: handlers run inline before the publishing call returns; failures
//     propagate to the publisher so a surrounding transaction can abort
//   - async: a (type, id) task is queued on a bounded executor; workers
//     re-fetch the entity before invoking the handler and failures never
//     reach the publisher
//
// When the queue fills up, async dispatches run on the publisher's goroutine
// by default, so load sheds as backpressure instead of lost events.
//
// # Middleware
//
// The default middleware chain includes structured logging, OpenTelemetry
// tracing, Prometheus metrics, and panic recovery. Custom middleware can be
// added via DispatcherDependencies.Middlewares.
//
// # Dispatch Hooks
//
// DispatchHooksMiddleware provides OnHandlerStart, OnHandlerDone, and
// OnHandlerError callbacks for custom logging, metrics collection, and
// alerting around handler execution.
//
// When you need more control, DispatcherDependencies exposes well-scoped
// hooks: bring your own middleware registrations or implement the optional
// ResourceScoper and CapacityReporter capabilities on your source to bound
// handler concurrency against a shared resource such as a connection pool.
// The README organises these knobs by topic so you can dive into the exact
// setting you want to adjust without rereading the whole guide.
package listenable
