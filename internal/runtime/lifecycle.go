package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// resetTimeout bounds the executor drain performed by Reset.
const resetTimeout = 100 * time.Millisecond

// SetEnabled toggles dispatching at runtime. While disabled, published events
// are dropped at the subscription wrappers; tasks already queued on the
// executor still run.
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
	d.Logger.Info("Dispatching toggled", loggingpkg.LogFields{"enabled": enabled})
}

// Enabled reports whether dispatching is active.
func (d *Dispatcher) Enabled() bool {
	return d.enabled.Load()
}

// Cleanup unwires the dispatcher: drops every bus subscription, clears the
// hook injection guards, and shuts the executor down, waiting for queued
// tasks up to the context deadline. Listener declarations are kept, so a
// later Bind restores dispatching.
func (d *Dispatcher) Cleanup(ctx context.Context) error {
	d.wireMu.Lock()
	executor := d.executor
	d.injected = make(map[EventKey]struct{})
	d.wireMu.Unlock()

	d.bus.UnsubscribeAll()

	d.listenersMu.Lock()
	d.listeners = nil
	d.listenersMu.Unlock()

	if executor == nil {
		return nil
	}
	if err := executor.Shutdown(ctx); err != nil {
		d.Logger.Error("Executor shutdown did not drain in time", err, nil)
		return err
	}
	return nil
}

// Close shuts the dispatcher down for good: Cleanup with the configured
// shutdown timeout, then the HTTP servers. Meant to be deferred at process
// exit.
func (d *Dispatcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.Conf.ShutdownTimeout)
	defer cancel()

	err := d.Cleanup(ctx)
	d.closeHTTPServers()
	return err
}

// Reset tears the dispatcher back to its pre-registration state with a very
// short drain. Intended for test isolation.
func (d *Dispatcher) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	_ = d.Cleanup(ctx)
	d.registry.clear()
}
