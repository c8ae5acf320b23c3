package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
)

// testSource is an in-memory Source stub. Lifecycle writes are simulated by
// calling fire with an event key.
type testSource struct {
	mu         sync.Mutex
	entities   map[string]map[string]any
	hooks      map[string]HookFunc
	installs   []string
	installErr map[string]error
	findErr    error
}

func newTestSource() *testSource {
	return &testSource{
		entities:   make(map[string]map[string]any),
		hooks:      make(map[string]HookFunc),
		installErr: make(map[string]error),
	}
}

func (s *testSource) InstallHook(entityType, event string, hook HookFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.installErr[strings.ToLower(event)]; err != nil {
		return err
	}
	key := strings.ToLower(entityType) + "." + strings.ToLower(event)
	s.hooks[key] = hook
	s.installs = append(s.installs, key)
	return nil
}

func (s *testSource) FindByID(ctx context.Context, entityType, id string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return nil, s.findErr
	}
	entity, ok := s.entities[strings.ToLower(entityType)][id]
	if !ok {
		return nil, errspkg.ErrEntityNotFound
	}
	return entity, nil
}

func (s *testSource) put(entityType, id string, entity any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(entityType)
	if s.entities[key] == nil {
		s.entities[key] = make(map[string]any)
	}
	s.entities[key][id] = entity
}

func (s *testSource) remove(entityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities[strings.ToLower(entityType)], id)
}

func (s *testSource) hook(key EventKey) HookFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooks[string(key)]
}

// fire simulates the host store completing the lifecycle write behind key.
func (s *testSource) fire(ctx context.Context, key EventKey, id string) error {
	hook := s.hook(key)
	if hook == nil {
		return fmt.Errorf("no hook installed for %s", key)
	}
	return hook(ctx, id)
}

func (s *testSource) installCount(key EventKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, recorded := range s.installs {
		if recorded == string(key) {
			n++
		}
	}
	return n
}

// testCapacitySource reports a fixed pool capacity for worker sizing.
type testCapacitySource struct {
	*testSource
	capacity int
}

func (s *testCapacitySource) Capacity() int { return s.capacity }

// testScopedSource hands out resource scopes and records peak concurrency.
type testScopedSource struct {
	*testSource
	scopeMu   sync.Mutex
	active    int
	maxActive int
}

func (s *testScopedSource) WithResource(ctx context.Context, fn func(ctx context.Context) error) error {
	s.scopeMu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.scopeMu.Unlock()

	defer func() {
		s.scopeMu.Lock()
		s.active--
		s.scopeMu.Unlock()
	}()

	return fn(ctx)
}

func (s *testScopedSource) peakActive() int {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	return s.maxActive
}

func newTestDispatcher(t *testing.T, conf *configpkg.Config, src Source) *Dispatcher {
	t.Helper()

	if conf == nil {
		conf = &configpkg.Config{}
	}
	d, err := TryNewDispatcher(conf, newTestLogger(), DispatcherDependencies{Source: src})
	if err != nil {
		t.Fatalf("dispatcher init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

// waitUntil retries a condition until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true: %s", message)
}
