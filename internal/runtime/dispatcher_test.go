package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func TestTryNewDispatcherRequiredArguments(t *testing.T) {
	src := newTestSource()
	log := newTestLogger()

	if _, err := TryNewDispatcher(nil, log, DispatcherDependencies{Source: src}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
	if _, err := TryNewDispatcher(&configpkg.Config{}, nil, DispatcherDependencies{Source: src}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
	if _, err := TryNewDispatcher(&configpkg.Config{}, log, DispatcherDependencies{}); !errors.Is(err, errspkg.ErrSourceRequired) {
		t.Fatalf("expected ErrSourceRequired, got %v", err)
	}
}

func TestTryNewDispatcherRejectsInvalidConfig(t *testing.T) {
	cfg := &configpkg.Config{WorkerRatio: 2}

	_, err := TryNewDispatcher(cfg, newTestLogger(), DispatcherDependencies{Source: newTestSource()})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	var validationErr errspkg.ConfigValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ConfigValidationError, got %T", err)
	}
}

func TestTryNewDispatcherAppliesDefaults(t *testing.T) {
	d := newTestDispatcher(t, &configpkg.Config{}, newTestSource())

	if d.Conf.WorkerRatio != configpkg.DefaultWorkerRatio {
		t.Fatalf("worker ratio not defaulted: %v", d.Conf.WorkerRatio)
	}
	if d.Conf.QueueDepth != configpkg.DefaultQueueDepth {
		t.Fatalf("queue depth not defaulted: %d", d.Conf.QueueDepth)
	}
	if d.Conf.IdleTimeout != configpkg.DefaultIdleTimeout {
		t.Fatalf("idle timeout not defaulted: %v", d.Conf.IdleTimeout)
	}
	if d.Conf.Overflow != configpkg.OverflowInline {
		t.Fatalf("overflow policy not defaulted: %q", d.Conf.Overflow)
	}
	if !d.Enabled() {
		t.Fatal("dispatcher should start enabled")
	}
}

func TestTryNewDispatcherKeepsCallerConfigUntouched(t *testing.T) {
	cfg := &configpkg.Config{}
	d := newTestDispatcher(t, cfg, newTestSource())

	if cfg.QueueDepth != 0 {
		t.Fatalf("caller config mutated: %d", cfg.QueueDepth)
	}
	if d.Conf == cfg {
		t.Fatal("dispatcher should hold its own normalized config")
	}
}

func TestNewDispatcher_MiddlewareBuilderError(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("The code did not panic")
		}
	}()

	badMiddleware := MiddlewareRegistration{
		Name: "bad",
		Builder: func(d *Dispatcher) (DispatchMiddleware, error) {
			return nil, errors.New("boom")
		},
	}

	NewDispatcher(&configpkg.Config{}, newTestLogger(), DispatcherDependencies{
		Source:      newTestSource(),
		Middlewares: []MiddlewareRegistration{badMiddleware},
	})
}

func TestDispatcherDetectsSourceCapabilities(t *testing.T) {
	plain := newTestDispatcher(t, nil, newTestSource())
	if plain.scoper != nil || plain.capacity != nil {
		t.Fatal("plain source should expose no optional capabilities")
	}

	scoped := &testScopedSource{testSource: newTestSource()}
	d := newTestDispatcher(t, nil, scoped)
	if d.scoper == nil {
		t.Fatal("resource scoper capability not detected")
	}

	capacity := &testCapacitySource{testSource: newTestSource(), capacity: 12}
	d = newTestDispatcher(t, nil, capacity)
	if d.capacity == nil {
		t.Fatal("capacity capability not detected")
	}
	if got := d.capacity.Capacity(); got != 12 {
		t.Fatalf("unexpected capacity: %d", got)
	}
}

func TestExecutorStateBeforeBind(t *testing.T) {
	d := newTestDispatcher(t, nil, newTestSource())

	snapshot := d.ExecutorState()
	if snapshot.Workers != 0 || snapshot.Submitted != 0 {
		t.Fatalf("expected zero snapshot before Bind, got %+v", snapshot)
	}
}

func TestDispatcherFeedsInjectedMetricsCollector(t *testing.T) {
	src := newTestSource()
	collector := NewDispatchMetrics(prometheus.NewRegistry())

	d, err := TryNewDispatcher(&configpkg.Config{MetricsEnabled: true}, newTestLogger(), DispatcherDependencies{
		Source:  src,
		Metrics: collector,
	})
	if err != nil {
		t.Fatalf("dispatcher init failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	registerTestListener(t, d, ListenerRegistration{
		EntityType: "order",
		Bindings:   []Binding{{Event: EventCreated}},
		Handlers: map[string]HandlerFunc{
			EventCreated: func(ctx context.Context, entity any) error { return nil },
		},
	})
	if err := d.Bind(); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	src.put("order", "o-1", "entity")
	if err := src.fire(context.Background(), KeyFor("order", EventCreated), "o-1"); err != nil {
		t.Fatalf("fire failed: %v", err)
	}

	snap := collector.GetSnapshot()
	if snap.TotalInvocations != 1 {
		t.Fatalf("expected the injected collector to record the dispatch, got %+v", snap)
	}
}

func TestListenersSnapshotIsACopy(t *testing.T) {
	src := newTestSource()
	d := newTestDispatcher(t, nil, src)

	registerTestListener(t, d, ListenerRegistration{
		EntityType: "order",
		Bindings:   []Binding{{Event: EventCreated}},
		Handlers: map[string]HandlerFunc{
			EventCreated: func(ctx context.Context, entity any) error { return nil },
		},
	})
	if err := d.Bind(); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	listeners := d.Listeners()
	if len(listeners) != 1 {
		t.Fatalf("expected one listener, got %d", len(listeners))
	}
	listeners[0] = nil
	if d.Listeners()[0] == nil {
		t.Fatal("mutating the snapshot must not affect the dispatcher")
	}
}

func registerTestListener(t *testing.T, d *Dispatcher, cfg ListenerRegistration) {
	t.Helper()
	if err := RegisterListener(d, cfg); err != nil {
		t.Fatalf("register listener failed: %v", err)
	}
}
