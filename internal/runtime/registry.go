package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
)

// Binding declares interest in a single lifecycle event of the listener's
// entity type. Async selects dispatch through the executor pool instead of
// inline on the publishing goroutine.
type Binding struct {
	Event string
	Async bool
}

// ListenerRegistration wires a named listener to lifecycle events of one
// entity type. Handlers maps event names to the function invoked for them; a
// binding without a matching handler entry is skipped at wiring time.
type ListenerRegistration struct {
	Name       string
	EntityType string
	Bindings   []Binding
	Handlers   map[string]HandlerFunc
}

// HandlerBinding is a resolved listener binding held by the registry.
type HandlerBinding struct {
	Listener   string
	EntityType string
	Event      string
	Async      bool

	handler HandlerFunc
}

// RegisterListener records the listener's bindings on the dispatcher. Wiring
// happens on the next Bind. Registering the same listener again adds
// bindings, it never replaces earlier ones.
func RegisterListener(d *Dispatcher, cfg ListenerRegistration) error {
	if d == nil {
		return errspkg.ErrDispatcherRequired
	}
	return d.registerListener(cfg)
}

func (d *Dispatcher) registerListener(cfg ListenerRegistration) error {
	if cfg.EntityType == "" {
		return errspkg.ErrEntityTypeRequired
	}
	if len(cfg.Bindings) == 0 {
		return errspkg.ErrBindingRequired
	}
	if cfg.Name == "" {
		cfg.Name = strings.ToLower(cfg.EntityType) + "-listener"
	}

	bindings := make([]HandlerBinding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		if b.Event == "" {
			return errspkg.ErrEventNameRequired
		}
		event := strings.ToLower(b.Event)
		handler := cfg.Handlers[b.Event]
		if handler == nil {
			handler = cfg.Handlers[event]
		}
		bindings = append(bindings, HandlerBinding{
			Listener:   cfg.Name,
			EntityType: cfg.EntityType,
			Event:      event,
			Async:      b.Async,
			handler:    handler,
		})
	}

	d.registry.add(cfg.EntityType, bindings)
	return nil
}

// bindingRegistry accumulates listener declarations per entity type, in
// registration order. Declarations survive Cleanup so a later Bind can
// re-wire them.
type bindingRegistry struct {
	mu          sync.RWMutex
	entityOrder []string
	byEntity    map[string][]HandlerBinding
}

func newBindingRegistry() *bindingRegistry {
	return &bindingRegistry{byEntity: make(map[string][]HandlerBinding)}
}

func (r *bindingRegistry) add(entityType string, bindings []HandlerBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEntity[entityType]; !ok {
		r.entityOrder = append(r.entityOrder, entityType)
	}
	r.byEntity[entityType] = append(r.byEntity[entityType], bindings...)
}

// entityTypes returns the known entity types in first-registration order.
func (r *bindingRegistry) entityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entityOrder))
	copy(out, r.entityOrder)
	return out
}

// bindingsFor returns a copy of the declarations for one entity type.
func (r *bindingRegistry) bindingsFor(entityType string) []HandlerBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.byEntity[entityType]
	out := make([]HandlerBinding, len(src))
	copy(out, src)
	return out
}

func (r *bindingRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entityOrder = nil
	r.byEntity = make(map[string][]HandlerBinding)
}

func wrapDispatchWithStats(next DispatchFunc, stats *ListenerStats) DispatchFunc {
	return func(ctx context.Context, inv Invocation) error {
		stats.onDispatchStart()
		start := time.Now()
		err := next(ctx, inv)
		duration := time.Since(start)

		stats.onDispatchFinish(duration, err)

		return err
	}
}
