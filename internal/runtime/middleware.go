package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// MiddlewareBuilder constructs a dispatch middleware using the provided
// dispatcher instance.
type MiddlewareBuilder func(*Dispatcher) (DispatchMiddleware, error)

// DispatchMiddleware wraps a DispatchFunc with cross-cutting behaviour. The
// first registered middleware sits outermost in the chain.
type DispatchMiddleware func(next DispatchFunc) DispatchFunc

// MiddlewareRegistration captures how a middleware should be registered on a
// Dispatcher.
type MiddlewareRegistration struct {
	Name       string
	Middleware DispatchMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Dispatcher constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogDispatchesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// LogDispatchesMiddleware logs every invocation that reaches the chain. When
// logger is nil the dispatcher logger is used.
func LogDispatchesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_dispatches",
		Builder: func(d *Dispatcher) (DispatchMiddleware, error) {
			l := logger
			if l == nil {
				l = d.Logger
			}
			if l == nil {
				return nil, errors.New("log dispatches middleware requires a logger")
			}
			return d.logDispatchesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps dispatch execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(d *Dispatcher) (DispatchMiddleware, error) {
			return d.tracerMiddleware(), nil
		},
	}
}

// MetricsMiddleware records Prometheus counters and durations per dispatch
// and mounts the /metrics endpoint when a port is configured.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(d *Dispatcher) (DispatchMiddleware, error) {
			if !d.Conf.MetricsEnabled {
				return nil, nil
			}

			metrics := d.getDispatchMetrics()

			if d.Conf.MetricsPort > 0 {
				d.RegisterHTTPHandler(d.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}

			return d.metricsMiddleware(metrics), nil
		},
	}
}

// RecovererMiddleware converts handler panics into HandlerPanicError values
// so a panicking listener cannot take down the publisher or a pool worker.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

// RegisterMiddleware appends the supplied middleware to the dispatch chain.
// Middlewares registered after a Bind take effect on the next Bind.
func (d *Dispatcher) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw DispatchMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(d)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	d.middlewares = append(d.middlewares, mw)
	return nil
}

// buildDispatch applies the registered middlewares around core, first
// registered outermost.
func (d *Dispatcher) buildDispatch(core DispatchFunc) DispatchFunc {
	next := core
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		next = d.middlewares[i](next)
	}
	return next
}

// logDispatchesMiddleware logs all dispatched invocations with their event
// coordinates.
func (d *Dispatcher) logDispatchesMiddleware(logger loggingpkg.ServiceLogger) DispatchMiddleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, inv Invocation) error {
			logger.Debug("Dispatching event", loggingpkg.LogFields{
				"listener":  inv.Listener,
				"event_id":  inv.Event.ID,
				"event_key": string(inv.Event.Key),
				"entity_id": inv.Event.EntityID,
				"async":     inv.Async,
			})
			return next(ctx, inv)
		}
	}
}

// tracerMiddleware wraps dispatch with an OpenTelemetry span carrying the
// event coordinates as attributes.
func (d *Dispatcher) tracerMiddleware() DispatchMiddleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, inv Invocation) error {
			tracer := otel.Tracer("listenable-dispatcher")
			ctx, span := tracer.Start(ctx, "DispatchEvent")
			defer span.End()

			span.SetAttributes(
				attribute.String("event.id", inv.Event.ID),
				attribute.String("event.key", string(inv.Event.Key)),
				attribute.String("listener.name", inv.Listener),
				attribute.Bool("dispatch.async", inv.Async),
			)
			return next(ctx, inv)
		}
	}
}

func (d *Dispatcher) metricsMiddleware(metrics *DispatchMetrics) DispatchMiddleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, inv Invocation) error {
			start := time.Now()
			err := next(ctx, inv)
			metrics.recordDispatch(inv.Event.Key, inv.Listener, inv.Async, time.Since(start), err)
			return err
		}
	}
}

func recovererMiddleware(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, inv Invocation) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newHandlerPanicError(r)
			}
		}()
		return next(ctx, inv)
	}
}
