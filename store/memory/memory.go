// Package memory provides an in-memory entity source for tests and local
// development. It implements the dispatcher's Source boundary plus the
// optional resource-scoping and capacity-reporting capabilities.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	runtimepkg "github.com/denmarkmeralpis/listenable/internal/runtime"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
)

const defaultCapacity = 8

type hookKey struct {
	entityType string
	event      string
}

// Store is a concurrency-safe in-memory entity store. Lifecycle hooks fire
// inline on the goroutine performing the write, while the written state is
// still readable, mirroring an after-save callback inside a transaction. A
// hook error rolls the write back.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]any
	hooks  map[hookKey]runtimepkg.HookFunc

	sem      chan struct{}
	capacity int
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the number of concurrent resource slots handed out by
// WithResource. Values below one are raised to one.
func WithCapacity(n int) Option {
	return func(s *Store) {
		s.capacity = n
	}
}

// New creates an empty store with the default resource capacity.
func New(opts ...Option) *Store {
	s := &Store{
		tables:   make(map[string]map[string]any),
		hooks:    make(map[hookKey]runtimepkg.HookFunc),
		capacity: defaultCapacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capacity < 1 {
		s.capacity = 1
	}
	s.sem = make(chan struct{}, s.capacity)
	return s
}

// InstallHook registers the callback fired after a successful lifecycle
// write. Installing a second hook for the same entity type and event
// replaces the first. Only the created/updated/deleted events are supported.
func (s *Store) InstallHook(entityType, event string, hook runtimepkg.HookFunc) error {
	event = strings.ToLower(event)
	switch event {
	case runtimepkg.EventCreated, runtimepkg.EventUpdated, runtimepkg.EventDeleted:
	default:
		return fmt.Errorf("unsupported lifecycle event %q", event)
	}
	if hook == nil {
		return errors.New("hook is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[hookKey{entityType: strings.ToLower(entityType), event: event}] = hook
	return nil
}

// FindByID returns the stored entity or ErrEntityNotFound.
func (s *Store) FindByID(ctx context.Context, entityType, id string) (any, error) {
	s.mu.RLock()
	entity, ok := s.tables[strings.ToLower(entityType)][id]
	s.mu.RUnlock()

	if !ok {
		return nil, errspkg.ErrEntityNotFound
	}
	return entity, nil
}

// Create stores a new entity and fires the created hook. The insert is
// rolled back when the hook fails.
func (s *Store) Create(ctx context.Context, entityType, id string, entity any) error {
	key := strings.ToLower(entityType)

	s.mu.Lock()
	table, ok := s.tables[key]
	if !ok {
		table = make(map[string]any)
		s.tables[key] = table
	}
	if _, exists := table[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%s %q already exists", key, id)
	}
	table[id] = entity
	hook := s.hooks[hookKey{entityType: key, event: runtimepkg.EventCreated}]
	s.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, id); err != nil {
		s.mu.Lock()
		delete(table, id)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Update replaces an existing entity and fires the updated hook. The
// previous value is restored when the hook fails.
func (s *Store) Update(ctx context.Context, entityType, id string, entity any) error {
	key := strings.ToLower(entityType)

	s.mu.Lock()
	table := s.tables[key]
	previous, exists := table[id]
	if !exists {
		s.mu.Unlock()
		return errspkg.ErrEntityNotFound
	}
	table[id] = entity
	hook := s.hooks[hookKey{entityType: key, event: runtimepkg.EventUpdated}]
	s.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, id); err != nil {
		s.mu.Lock()
		table[id] = previous
		s.mu.Unlock()
		return err
	}
	return nil
}

// Delete removes an entity. The deleted hook fires while the entity is still
// readable, so synchronous handlers can resolve it; the removal is applied
// once the hook returns nil.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	key := strings.ToLower(entityType)

	s.mu.Lock()
	table := s.tables[key]
	if _, exists := table[id]; !exists {
		s.mu.Unlock()
		return errspkg.ErrEntityNotFound
	}
	hook := s.hooks[hookKey{entityType: key, event: runtimepkg.EventDeleted}]
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(table, id)
	s.mu.Unlock()
	return nil
}

// WithResource runs fn while holding one of the store's resource slots.
// Blocks until a slot frees up or ctx is done.
func (s *Store) WithResource(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	return fn(ctx)
}

// Capacity reports the number of concurrent resource slots.
func (s *Store) Capacity() int {
	return s.capacity
}

// Len reports the number of entities stored for an entity type.
func (s *Store) Len(entityType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[strings.ToLower(entityType)])
}
