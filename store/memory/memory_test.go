package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimepkg "github.com/denmarkmeralpis/listenable/internal/runtime"
	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

var (
	_ runtimepkg.Source           = (*Store)(nil)
	_ runtimepkg.ResourceScoper   = (*Store)(nil)
	_ runtimepkg.CapacityReporter = (*Store)(nil)
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestCreateFiresHookWithReadableEntity(t *testing.T) {
	s := New()

	var seen any
	require.NoError(t, s.InstallHook("order", runtimepkg.EventCreated, func(ctx context.Context, id string) error {
		entity, err := s.FindByID(ctx, "order", id)
		if err != nil {
			return err
		}
		seen = entity
		return nil
	}))

	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))
	assert.Equal(t, "espresso", seen)
	assert.Equal(t, 1, s.Len("order"))
}

func TestCreateRollsBackOnHookError(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	require.NoError(t, s.InstallHook("order", runtimepkg.EventCreated, func(ctx context.Context, id string) error {
		return boom
	}))

	err := s.Create(context.Background(), "order", "o-1", "espresso")
	assert.ErrorIs(t, err, boom)

	_, err = s.FindByID(context.Background(), "order", "o-1")
	assert.ErrorIs(t, err, errspkg.ErrEntityNotFound)
	assert.Equal(t, 0, s.Len("order"))
}

func TestCreateRejectsDuplicates(t *testing.T) {
	s := New()

	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))
	err := s.Create(context.Background(), "order", "o-1", "latte")
	assert.Error(t, err)

	entity, findErr := s.FindByID(context.Background(), "order", "o-1")
	require.NoError(t, findErr)
	assert.Equal(t, "espresso", entity)
}

func TestUpdateFiresHookWithNewState(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))

	var seen any
	require.NoError(t, s.InstallHook("order", runtimepkg.EventUpdated, func(ctx context.Context, id string) error {
		entity, err := s.FindByID(ctx, "order", id)
		if err != nil {
			return err
		}
		seen = entity
		return nil
	}))

	require.NoError(t, s.Update(context.Background(), "order", "o-1", "latte"))
	assert.Equal(t, "latte", seen)
}

func TestUpdateRestoresPreviousOnHookError(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))

	boom := errors.New("boom")
	require.NoError(t, s.InstallHook("order", runtimepkg.EventUpdated, func(ctx context.Context, id string) error {
		return boom
	}))

	err := s.Update(context.Background(), "order", "o-1", "latte")
	assert.ErrorIs(t, err, boom)

	entity, findErr := s.FindByID(context.Background(), "order", "o-1")
	require.NoError(t, findErr)
	assert.Equal(t, "espresso", entity)
}

func TestUpdateMissingEntity(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), "order", "ghost", "latte")
	assert.ErrorIs(t, err, errspkg.ErrEntityNotFound)
}

func TestDeleteHookSeesEntityBeforeRemoval(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))

	var seen any
	require.NoError(t, s.InstallHook("order", runtimepkg.EventDeleted, func(ctx context.Context, id string) error {
		entity, err := s.FindByID(ctx, "order", id)
		if err != nil {
			return err
		}
		seen = entity
		return nil
	}))

	require.NoError(t, s.Delete(context.Background(), "order", "o-1"))
	assert.Equal(t, "espresso", seen)

	_, err := s.FindByID(context.Background(), "order", "o-1")
	assert.ErrorIs(t, err, errspkg.ErrEntityNotFound)
}

func TestDeleteAbortsOnHookError(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))

	boom := errors.New("boom")
	require.NoError(t, s.InstallHook("order", runtimepkg.EventDeleted, func(ctx context.Context, id string) error {
		return boom
	}))

	err := s.Delete(context.Background(), "order", "o-1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Len("order"))
}

func TestDeleteMissingEntity(t *testing.T) {
	s := New()
	err := s.Delete(context.Background(), "order", "ghost")
	assert.ErrorIs(t, err, errspkg.ErrEntityNotFound)
}

func TestInstallHookValidation(t *testing.T) {
	s := New()

	err := s.InstallHook("order", "archived", func(ctx context.Context, id string) error { return nil })
	assert.Error(t, err)

	err = s.InstallHook("order", runtimepkg.EventCreated, nil)
	assert.Error(t, err)

	// Event names are matched case-insensitively.
	err = s.InstallHook("order", "Created", func(ctx context.Context, id string) error { return nil })
	assert.NoError(t, err)
}

func TestInstallHookReplacesPrevious(t *testing.T) {
	s := New()

	var first, second int
	require.NoError(t, s.InstallHook("order", runtimepkg.EventCreated, func(ctx context.Context, id string) error {
		first++
		return nil
	}))
	require.NoError(t, s.InstallHook("order", runtimepkg.EventCreated, func(ctx context.Context, id string) error {
		second++
		return nil
	}))

	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestEntityTypeIsCaseInsensitive(t *testing.T) {
	s := New()
	require.NoError(t, s.Create(context.Background(), "Order", "o-1", "espresso"))

	entity, err := s.FindByID(context.Background(), "order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, "espresso", entity)
	assert.Equal(t, 1, s.Len("ORDER"))
}

func TestWithResourceLimitsConcurrency(t *testing.T) {
	s := New(WithCapacity(2))
	require.Equal(t, 2, s.Capacity())

	var mu sync.Mutex
	active, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithResource(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, peak)
}

func TestWithResourceHonorsContext(t *testing.T) {
	s := New(WithCapacity(1))

	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = s.WithResource(context.Background(), func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithResource(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestWithCapacityFloor(t *testing.T) {
	s := New(WithCapacity(0))
	assert.Equal(t, 1, s.Capacity())
}

func TestStoreDrivesDispatcher(t *testing.T) {
	s := New(WithCapacity(4))
	d, err := runtimepkg.TryNewDispatcher(&configpkg.Config{}, newTestLogger(), runtimepkg.DispatcherDependencies{Source: s})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	var handled []string
	require.NoError(t, runtimepkg.RegisterListener(d, runtimepkg.ListenerRegistration{
		EntityType: "order",
		Bindings: []runtimepkg.Binding{
			{Event: runtimepkg.EventCreated},
			{Event: runtimepkg.EventDeleted},
		},
		Handlers: map[string]runtimepkg.HandlerFunc{
			runtimepkg.EventCreated: func(ctx context.Context, entity any) error {
				handled = append(handled, "created:"+entity.(string))
				return nil
			},
			runtimepkg.EventDeleted: func(ctx context.Context, entity any) error {
				handled = append(handled, "deleted:"+entity.(string))
				return nil
			},
		},
	}))
	require.NoError(t, d.Bind())

	// Sync handlers re-fetch through FindByID while the write is still
	// visible, on the same goroutine as the store operation.
	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))
	require.NoError(t, s.Delete(context.Background(), "order", "o-1"))

	assert.Equal(t, []string{"created:espresso", "deleted:espresso"}, handled)
}

func TestFailingSyncHandlerAbortsWrite(t *testing.T) {
	s := New()
	d, err := runtimepkg.TryNewDispatcher(&configpkg.Config{}, newTestLogger(), runtimepkg.DispatcherDependencies{Source: s})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	boom := errors.New("boom")
	require.NoError(t, runtimepkg.RegisterListener(d, runtimepkg.ListenerRegistration{
		EntityType: "order",
		Bindings:   []runtimepkg.Binding{{Event: runtimepkg.EventCreated}},
		Handlers: map[string]runtimepkg.HandlerFunc{
			runtimepkg.EventCreated: func(ctx context.Context, entity any) error {
				return boom
			},
		},
	}))
	require.NoError(t, d.Bind())

	err = s.Create(context.Background(), "order", "o-1", "espresso")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len("order"))
}

func TestAsyncHandlerObservesCurrentState(t *testing.T) {
	s := New()
	d, err := runtimepkg.TryNewDispatcher(&configpkg.Config{}, newTestLogger(), runtimepkg.DispatcherDependencies{Source: s})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	seen := make(chan string, 1)
	require.NoError(t, runtimepkg.RegisterListener(d, runtimepkg.ListenerRegistration{
		EntityType: "order",
		Bindings:   []runtimepkg.Binding{{Event: runtimepkg.EventCreated, Async: true}},
		Handlers: map[string]runtimepkg.HandlerFunc{
			runtimepkg.EventCreated: func(ctx context.Context, entity any) error {
				seen <- entity.(string)
				return nil
			},
		},
	}))
	require.NoError(t, d.Bind())

	require.NoError(t, s.Create(context.Background(), "order", "o-1", "espresso"))

	select {
	case entity := <-seen:
		assert.Equal(t, "espresso", entity)
	case <-time.After(time.Second):
		t.Fatal("async dispatch never ran")
	}
}
