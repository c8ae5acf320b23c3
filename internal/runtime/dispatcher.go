package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// HookFunc is installed on a Source per event key. The source calls it with
// the entity's identifier after the matching lifecycle transition. The
// returned error carries sync handler failures back into the source's
// surrounding operation, so a failing sync handler can abort it.
type HookFunc func(ctx context.Context, entityID string) error

// Source adapts an entity store to the dispatcher. InstallHook is called once
// per wired event key; installing a hook for the same key again must replace
// the previous one. FindByID re-fetches entities at dispatch time and returns
// errors.ErrEntityNotFound when the entity no longer exists.
type Source interface {
	InstallHook(entityType, event string, hook HookFunc) error
	FindByID(ctx context.Context, entityType, id string) (any, error)
}

// ResourceScoper is an optional Source capability. When implemented, each
// async fetch-and-invoke runs inside WithResource, so pooled sources can
// bound how many dispatches hold a resource at once.
type ResourceScoper interface {
	WithResource(ctx context.Context, fn func(ctx context.Context) error) error
}

// CapacityReporter is an optional Source capability reporting the size of the
// source's underlying pool. It feeds async worker sizing; without it the
// configured fallback worker count is used.
type CapacityReporter interface {
	Capacity() int
}

// DispatcherDependencies holds the collaborators the Dispatcher uses. Source
// is required; the rest customise the middleware chain and observability.
type DispatcherDependencies struct {
	Source                    Source
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Metrics                   *DispatchMetrics         // Collector fed by the metrics middleware. Defaults to one on the default registerer.
}

// Dispatcher wires the listener registry, event bus, async executor, and
// middleware chain on top of an entity source.
type Dispatcher struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	source   Source
	scoper   ResourceScoper
	capacity CapacityReporter

	registry *bindingRegistry
	bus      *eventBus

	middlewares []DispatchMiddleware

	wireMu   sync.Mutex
	executor *asyncExecutor
	injected map[EventKey]struct{}

	listeners   []*ListenerInfo
	listenersMu sync.RWMutex

	enabled atomic.Bool

	metrics   *DispatchMetrics
	metricsMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	httpActive    []*http.Server
	httpServersMu sync.Mutex
	httpOnce      sync.Once

	resourceTracker *resourceTracker
}

// TryNewDispatcher constructs a Dispatcher for the supplied configuration.
// Register listeners on the returned Dispatcher, then call Bind to wire them.
func TryNewDispatcher(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps DispatcherDependencies) (*Dispatcher, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Source == nil {
		return nil, errspkg.ErrSourceRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	normalized := conf.WithDefaults()

	log.Info("Creating lifecycle dispatcher",
		loggingpkg.LogFields{
			"worker_ratio":   normalized.WorkerRatio,
			"worker_ceiling": normalized.WorkerCeiling,
			"queue_depth":    normalized.QueueDepth,
		})

	d := &Dispatcher{
		Conf:            &normalized,
		Logger:          log,
		source:          deps.Source,
		registry:        newBindingRegistry(),
		injected:        make(map[EventKey]struct{}),
		resourceTracker: newResourceTracker(),
	}
	d.bus = newEventBus(log)
	d.enabled.Store(true)

	if scoper, ok := deps.Source.(ResourceScoper); ok {
		d.scoper = scoper
	}
	if reporter, ok := deps.Source.(CapacityReporter); ok {
		d.capacity = reporter
	}
	if deps.Metrics != nil {
		d.metrics = deps.Metrics
	}

	if err := d.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return d, nil
}

// NewDispatcher is TryNewDispatcher for callers that treat construction
// failures as fatal. It panics on error.
func NewDispatcher(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps DispatcherDependencies) *Dispatcher {
	d, err := TryNewDispatcher(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Dispatcher) registerConfiguredMiddlewares(deps DispatcherDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := d.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Listeners returns a snapshot of the wired bindings and their stats.
func (d *Dispatcher) Listeners() []*ListenerInfo {
	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()

	out := make([]*ListenerInfo, len(d.listeners))
	copy(out, d.listeners)
	return out
}

// ExecutorState reports the async executor's counters. The zero snapshot is
// returned before the first Bind.
func (d *Dispatcher) ExecutorState() ExecutorSnapshot {
	d.wireMu.Lock()
	executor := d.executor
	d.wireMu.Unlock()

	if executor == nil {
		return ExecutorSnapshot{}
	}
	return executor.Snapshot()
}

func (d *Dispatcher) getResourceTracker() *resourceTracker {
	if d.resourceTracker == nil {
		d.resourceTracker = newResourceTracker()
	}
	return d.resourceTracker
}

func (d *Dispatcher) getDispatchMetrics() *DispatchMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()

	if d.metrics == nil {
		d.metrics = NewDispatchMetrics(nil)
	}
	d.metrics.Register()
	return d.metrics
}

// metricsHandle returns the metrics collector, or nil when metrics are not
// enabled.
func (d *Dispatcher) metricsHandle() *DispatchMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.metrics
}

// RegisterHTTPHandler mounts handler on the shared HTTP mux for the given
// port. Servers start lazily on the first Bind, one per distinct port.
func (d *Dispatcher) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	d.httpServersMu.Lock()
	defer d.httpServersMu.Unlock()

	if d.httpServers == nil {
		d.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := d.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		d.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (d *Dispatcher) startHTTPServers() {
	d.httpServersMu.Lock()
	defer d.httpServersMu.Unlock()

	for port, mux := range d.httpServers {
		addr := fmt.Sprintf(":%d", port)
		d.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		d.httpActive = append(d.httpActive, srv)
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (d *Dispatcher) closeHTTPServers() {
	d.httpServersMu.Lock()
	active := d.httpActive
	d.httpActive = nil
	d.httpServersMu.Unlock()

	for _, srv := range active {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			d.Logger.Warn("HTTP server shutdown failed", loggingpkg.LogFields{
				"address": srv.Addr,
				"error":   err.Error(),
			})
		}
		cancel()
	}
}
