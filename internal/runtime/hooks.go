package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// DispatchContext provides information about a dispatch execution to hooks.
type DispatchContext struct {
	// ListenerName is the name of the listener handling the event.
	ListenerName string
	// EventKey is the lifecycle key the event was published under.
	EventKey EventKey
	// EventID is the unique identifier of the event.
	EventID string
	// EntityType is the entity type the event belongs to.
	EntityType string
	// EntityID identifies the entity the event refers to.
	EntityID string
	// Async reports whether the dispatch ran on the worker pool.
	Async bool
	// Context is the context associated with the dispatch.
	Context context.Context
	// StartedAt is when the handler started processing.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnHandlerDone and OnHandlerError).
	Duration time.Duration
}

// DispatchHooks defines callbacks for dispatch lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type DispatchHooks struct {
	// OnHandlerStart is called when a listener begins handling an event.
	// This is called before the handler function is invoked.
	OnHandlerStart func(ctx DispatchContext)

	// OnHandlerDone is called when a handler successfully completes.
	// Duration will be set to how long the handler took.
	OnHandlerDone func(ctx DispatchContext)

	// OnHandlerError is called when a handler returns an error.
	// The error is passed as the second argument.
	// Duration will be set to how long the handler took before failing.
	OnHandlerError func(ctx DispatchContext, err error)
}

// Merge combines two DispatchHooks, creating a new DispatchHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnHandlerStart: chainStartHooks(h.OnHandlerStart, other.OnHandlerStart),
		OnHandlerDone:  chainDoneHooks(h.OnHandlerDone, other.OnHandlerDone),
		OnHandlerError: chainErrorHooks(h.OnHandlerError, other.OnHandlerError),
	}
}

func chainStartHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// DispatchHooksMiddleware creates a middleware that invokes the provided
// hooks at appropriate points in the dispatch lifecycle.
func DispatchHooksMiddleware(hooks DispatchHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "dispatch_hooks",
		Builder: func(d *Dispatcher) (DispatchMiddleware, error) {
			return dispatchHooksMiddleware(hooks), nil
		},
	}
}

func dispatchHooksMiddleware(hooks DispatchHooks) DispatchMiddleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, inv Invocation) error {
			startTime := time.Now()

			dispatchCtx := DispatchContext{
				ListenerName: inv.Listener,
				EventKey:     inv.Event.Key,
				EventID:      inv.Event.ID,
				EntityType:   inv.Event.EntityType,
				EntityID:     inv.Event.EntityID,
				Async:        inv.Async,
				Context:      ctx,
				StartedAt:    startTime,
			}

			if hooks.OnHandlerStart != nil {
				hooks.OnHandlerStart(dispatchCtx)
			}

			err := next(ctx, inv)

			dispatchCtx.Duration = time.Since(startTime)

			if err != nil {
				if hooks.OnHandlerError != nil {
					hooks.OnHandlerError(dispatchCtx, err)
				}
			} else {
				if hooks.OnHandlerDone != nil {
					hooks.OnHandlerDone(dispatchCtx)
				}
			}

			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log dispatch lifecycle events.
func LoggingHooks(logger interface {
	Info(msg string, fields loggingpkg.LogFields)
	Error(msg string, err error, fields loggingpkg.LogFields)
}) DispatchHooks {
	return DispatchHooks{
		OnHandlerStart: func(ctx DispatchContext) {
			logger.Info("Dispatch started", loggingpkg.LogFields{
				"listener":  ctx.ListenerName,
				"event_key": string(ctx.EventKey),
				"event_id":  ctx.EventID,
				"entity_id": ctx.EntityID,
			})
		},
		OnHandlerDone: func(ctx DispatchContext) {
			logger.Info("Dispatch completed", loggingpkg.LogFields{
				"listener":    ctx.ListenerName,
				"event_key":   string(ctx.EventKey),
				"event_id":    ctx.EventID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnHandlerError: func(ctx DispatchContext, err error) {
			logger.Error("Dispatch failed", err, loggingpkg.LogFields{
				"listener":    ctx.ListenerName,
				"event_key":   string(ctx.EventKey),
				"event_id":    ctx.EventID,
				"entity_id":   ctx.EntityID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record dispatch metrics.
func MetricsHooks(onStart, onDone, onError func(listenerName string, key EventKey)) DispatchHooks {
	return DispatchHooks{
		OnHandlerStart: func(ctx DispatchContext) {
			if onStart != nil {
				onStart(ctx.ListenerName, ctx.EventKey)
			}
		},
		OnHandlerDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.ListenerName, ctx.EventKey)
			}
		},
		OnHandlerError: func(ctx DispatchContext, err error) {
			if onError != nil {
				onError(ctx.ListenerName, ctx.EventKey)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on handler errors.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnHandlerError: alertFunc,
	}
}
