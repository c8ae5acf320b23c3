package runtime

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
	idspkg "github.com/denmarkmeralpis/listenable/internal/runtime/ids"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// Bind wires every registered listener: installs lifecycle hooks on the
// source, subscribes handler wrappers on the bus, and makes sure an executor
// is running. Safe to call repeatedly. Each pass purges a key's previous
// subscriptions before re-subscribing, so handlers never stack up across
// reload cycles.
func (d *Dispatcher) Bind() error {
	d.wireMu.Lock()
	defer d.wireMu.Unlock()

	d.ensureExecutorLocked()

	for _, entityType := range d.registry.entityTypes() {
		d.wireEntityLocked(entityType)
	}

	d.httpOnce.Do(func() {
		d.registerStatsAPI()
		d.startHTTPServers()
	})

	return nil
}

// ensureExecutorLocked creates the async executor when none is running.
// Worker sizing is recomputed from the source's current capacity each time
// the executor is recreated, so tuning changes take effect after a Cleanup.
func (d *Dispatcher) ensureExecutorLocked() {
	if d.executor != nil && !d.executor.isStopped() {
		return
	}

	capacity := 0
	if d.capacity != nil {
		capacity = d.capacity.Capacity()
	}
	maxWorkers := workerCount(capacity, d.Conf.WorkerRatio, d.Conf.WorkerCeiling, d.Conf.FallbackWorkers)
	minWorkers := d.Conf.MinWorkers
	if minWorkers > maxWorkers {
		minWorkers = maxWorkers
	}

	d.executor = newAsyncExecutor(ExecutorConfig{
		MinWorkers:  minWorkers,
		MaxWorkers:  maxWorkers,
		QueueDepth:  d.Conf.QueueDepth,
		IdleTimeout: d.Conf.IdleTimeout,
		Overflow:    d.Conf.Overflow,
	}, d.Logger, d.source, d.scoper, d.metricsHandle())

	d.Logger.Info("Starting async executor", loggingpkg.LogFields{
		"capacity":    capacity,
		"min_workers": minWorkers,
		"max_workers": maxWorkers,
		"queue_depth": d.Conf.QueueDepth,
	})
}

func (d *Dispatcher) wireEntityLocked(entityType string) {
	bindings := d.registry.bindingsFor(entityType)

	keys := make([]EventKey, 0, len(bindings))
	byKey := make(map[EventKey][]HandlerBinding, len(bindings))
	for _, binding := range bindings {
		key := KeyFor(binding.EntityType, binding.Event)
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], binding)
	}

	for _, key := range keys {
		d.wireKeyLocked(entityType, key, byKey[key])
	}
}

func (d *Dispatcher) wireKeyLocked(entityType string, key EventKey, bindings []HandlerBinding) {
	d.bus.UnsubscribeKey(key)
	d.dropListenerInfos(key)

	if _, ok := d.injected[key]; !ok {
		if err := d.source.InstallHook(entityType, bindings[0].Event, d.lifecycleHook(key, entityType)); err != nil {
			d.Logger.Warn("Skipping event the source cannot hook", loggingpkg.LogFields{
				"event_key":   string(key),
				"entity_type": entityType,
				"error":       err.Error(),
			})
			return
		}
		d.injected[key] = struct{}{}
	}

	for _, binding := range bindings {
		if binding.handler == nil {
			d.Logger.Debug("Skipping binding without handler", loggingpkg.LogFields{
				"listener":  binding.Listener,
				"event_key": string(key),
			})
			continue
		}
		d.subscribeBindingLocked(key, binding)
	}
}

func (d *Dispatcher) subscribeBindingLocked(key EventKey, binding HandlerBinding) {
	stats := newListenerStats(binding.Listener, key, binding.Async, d.getResourceTracker())
	mode := ModeSync
	if binding.Async {
		mode = ModeAsync
	}
	info := &ListenerInfo{Name: binding.Listener, EventKey: key, Mode: mode, Stats: stats}

	d.listenersMu.Lock()
	d.listeners = append(d.listeners, info)
	d.listenersMu.Unlock()

	dispatch := wrapDispatchWithStats(d.buildDispatch(coreDispatch(binding)), stats)

	var subscriber busHandler
	if binding.Async {
		subscriber = d.asyncSubscriber(d.executor, binding, dispatch, stats)
	} else {
		subscriber = d.syncSubscriber(binding, dispatch, stats)
	}
	d.bus.Subscribe(key, subscriber)
}

// lifecycleHook builds the callback installed on the source for one event
// key. The published payload carries the entity's type and id only; handlers
// always work from a fresh fetch.
func (d *Dispatcher) lifecycleHook(key EventKey, entityType string) HookFunc {
	return func(ctx context.Context, entityID string) error {
		event := Event{
			ID:         idspkg.CreateULID(),
			Key:        key,
			EntityType: entityType,
			EntityID:   entityID,
			OccurredAt: time.Now().UTC(),
		}
		return d.bus.Publish(ctx, event)
	}
}

// syncSubscriber runs the dispatch inline on the publishing goroutine.
// Handler failures propagate to the publisher so the source's surrounding
// operation can abort.
func (d *Dispatcher) syncSubscriber(binding HandlerBinding, dispatch DispatchFunc, stats *ListenerStats) busHandler {
	return func(ctx context.Context, event Event) error {
		if !d.enabled.Load() {
			return nil
		}

		entity, err := d.source.FindByID(ctx, binding.EntityType, event.EntityID)
		if err != nil {
			if errors.Is(err, errspkg.ErrEntityNotFound) {
				d.recordSkip(event.Key, binding.Listener, stats)
				d.Logger.Warn("Skipping dispatch, entity no longer exists", loggingpkg.LogFields{
					"listener":    binding.Listener,
					"event_key":   string(event.Key),
					"entity_type": binding.EntityType,
					"entity_id":   event.EntityID,
				})
				return nil
			}
			d.Logger.Error("Failed to load entity for dispatch", err, loggingpkg.LogFields{
				"listener":    binding.Listener,
				"event_key":   string(event.Key),
				"entity_type": binding.EntityType,
				"entity_id":   event.EntityID,
			})
			return err
		}

		inv := Invocation{Listener: binding.Listener, Event: event, Async: false, Entity: entity}
		if err := dispatch(ctx, inv); err != nil {
			d.Logger.Error("Sync dispatch failed", err, loggingpkg.LogFields{
				"listener":  binding.Listener,
				"event_key": string(event.Key),
				"entity_id": event.EntityID,
			})
			return err
		}
		return nil
	}
}

// asyncSubscriber hands the dispatch to the executor. Failures never reach
// the publisher.
func (d *Dispatcher) asyncSubscriber(executor *asyncExecutor, binding HandlerBinding, dispatch DispatchFunc, stats *ListenerStats) busHandler {
	return func(ctx context.Context, event Event) error {
		if !d.enabled.Load() {
			return nil
		}

		executor.Submit(ctx, asyncTask{
			Listener:   binding.Listener,
			Key:        event.Key,
			EntityType: binding.EntityType,
			EntityID:   event.EntityID,
			Invoke: func(ctx context.Context, entity any) error {
				return dispatch(ctx, Invocation{
					Listener: binding.Listener,
					Event:    event,
					Async:    true,
					Entity:   entity,
				})
			},
			OnMiss: func(ctx context.Context) {
				d.recordSkip(event.Key, binding.Listener, stats)
			},
		})
		return nil
	}
}

func coreDispatch(binding HandlerBinding) DispatchFunc {
	handler := binding.handler
	return func(ctx context.Context, inv Invocation) error {
		return handler(ctx, inv.Entity)
	}
}

func (d *Dispatcher) recordSkip(key EventKey, listener string, stats *ListenerStats) {
	stats.recordSkip()
	if m := d.metricsHandle(); m != nil {
		m.recordSkip(key, listener)
	}
}

func (d *Dispatcher) dropListenerInfos(key EventKey) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()

	kept := d.listeners[:0]
	for _, info := range d.listeners {
		if info.EventKey != key {
			kept = append(kept, info)
		}
	}
	d.listeners = kept
}
