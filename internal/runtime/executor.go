package runtime

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	errspkg "github.com/denmarkmeralpis/listenable/internal/runtime/errors"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// asyncTask is one unit of work queued on the executor. Invoke receives the
// freshly fetched entity; OnMiss runs instead when the entity no longer
// exists by the time the task is picked up.
type asyncTask struct {
	Listener   string
	Key        EventKey
	EntityType string
	EntityID   string
	Invoke     func(ctx context.Context, entity any) error
	OnMiss     func(ctx context.Context)
}

// ExecutorConfig carries the resolved pool settings for one executor
// lifetime. MaxWorkers is already sized from the source capacity.
type ExecutorConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueDepth  int
	IdleTimeout time.Duration
	Overflow    configpkg.OverflowPolicy
}

func (c ExecutorConfig) normalized() ExecutorConfig {
	if c.MinWorkers <= 0 {
		c.MinWorkers = configpkg.DefaultMinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = configpkg.DefaultQueueDepth
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = configpkg.DefaultIdleTimeout
	}
	return c
}

// ExecutorSnapshot reports the executor's counters at one point in time.
type ExecutorSnapshot struct {
	Workers   int
	QueueLen  int
	Submitted uint64
	Executed  uint64
	Inline    uint64
	Dropped   uint64
	Misses    uint64
	Failures  uint64
	Stopped   bool
}

// workerCount sizes the worker pool from the source's reported capacity. A
// non-positive capacity falls back to the configured fallback; otherwise the
// pool is round(capacity*ratio) clamped to at least one worker and at most
// the ceiling.
func workerCount(capacity int, ratio float64, ceiling, fallback int) int {
	if capacity <= 0 {
		if fallback < 1 {
			return 1
		}
		return fallback
	}
	n := int(math.Round(float64(capacity) * ratio))
	if n < 1 {
		n = 1
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n
}

// asyncExecutor runs queued tasks on a bounded worker pool. Errors from tasks
// are logged and swallowed; nothing propagates back to the publisher. The
// pool grows on demand up to MaxWorkers and retires idle workers back down to
// MinWorkers.
type asyncExecutor struct {
	conf    ExecutorConfig
	logger  loggingpkg.ServiceLogger
	source  Source
	scoper  ResourceScoper
	metrics *DispatchMetrics

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	queue   chan asyncTask
	workers int
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	executed  atomic.Uint64
	inline    atomic.Uint64
	dropped   atomic.Uint64
	misses    atomic.Uint64
	failures  atomic.Uint64
}

func newAsyncExecutor(conf ExecutorConfig, logger loggingpkg.ServiceLogger, source Source, scoper ResourceScoper, metrics *DispatchMetrics) *asyncExecutor {
	conf = conf.normalized()
	ctx, cancel := context.WithCancel(context.Background())

	e := &asyncExecutor{
		conf:    conf,
		logger:  logger,
		source:  source,
		scoper:  scoper,
		metrics: metrics,
		baseCtx: ctx,
		cancel:  cancel,
		queue:   make(chan asyncTask, conf.QueueDepth),
	}

	e.mu.Lock()
	for i := 0; i < conf.MinWorkers; i++ {
		e.spawnLocked()
	}
	e.mu.Unlock()

	return e
}

// Submit queues the task for background execution. When the executor is
// stopped or the queue is full with the inline policy, the task runs on the
// calling goroutine instead; with the drop policy a full queue discards it.
func (e *asyncExecutor) Submit(ctx context.Context, task asyncTask) {
	e.submitted.Add(1)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		if e.logger != nil {
			e.logger.Debug("Executor stopped, running dispatch on publisher goroutine", loggingpkg.LogFields{
				"listener":  task.Listener,
				"event_key": string(task.Key),
			})
		}
		e.runInline(ctx, task)
		return
	}
	select {
	case e.queue <- task:
		e.maybeSpawnLocked()
		e.mu.Unlock()
		e.reportGauges()
		return
	default:
	}
	e.mu.Unlock()

	e.overflow(ctx, task)
}

func (e *asyncExecutor) overflow(ctx context.Context, task asyncTask) {
	switch e.conf.Overflow {
	case configpkg.OverflowDrop:
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.recordDrop(task.Key, task.Listener)
		}
		if e.logger != nil {
			e.logger.Warn("Dropping async dispatch, queue is full", loggingpkg.LogFields{
				"listener":  task.Listener,
				"event_key": string(task.Key),
				"entity_id": task.EntityID,
			})
		}
	default:
		if e.logger != nil {
			e.logger.Debug("Queue full, running dispatch on publisher goroutine", loggingpkg.LogFields{
				"listener":  task.Listener,
				"event_key": string(task.Key),
			})
		}
		e.runInline(ctx, task)
	}
}

// Shutdown stops intake and waits for queued tasks to drain, up to the
// context deadline. The base context is cancelled either way, so a timed-out
// drain abandons whatever is still running. Safe to call more than once.
func (e *asyncExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	defer e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.reportGauges()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *asyncExecutor) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Snapshot returns the executor counters. Intended for introspection; the
// values are not taken under a single lock.
func (e *asyncExecutor) Snapshot() ExecutorSnapshot {
	e.mu.Lock()
	workers := e.workers
	queueLen := len(e.queue)
	stopped := e.stopped
	e.mu.Unlock()

	return ExecutorSnapshot{
		Workers:   workers,
		QueueLen:  queueLen,
		Submitted: e.submitted.Load(),
		Executed:  e.executed.Load(),
		Inline:    e.inline.Load(),
		Dropped:   e.dropped.Load(),
		Misses:    e.misses.Load(),
		Failures:  e.failures.Load(),
		Stopped:   stopped,
	}
}

func (e *asyncExecutor) spawnLocked() {
	e.workers++
	e.wg.Add(1)
	go e.worker()
}

// maybeSpawnLocked grows the pool when queued tasks outnumber the workers.
func (e *asyncExecutor) maybeSpawnLocked() {
	if e.workers < e.conf.MaxWorkers && len(e.queue) > e.workers {
		e.spawnLocked()
	}
}

// tryRetire removes the calling worker from the pool if it is surplus and
// there is no backlog. Returns true when the worker should exit.
func (e *asyncExecutor) tryRetire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if e.workers <= e.conf.MinWorkers {
		return false
	}
	if len(e.queue) > 0 {
		return false
	}
	e.workers--
	return true
}

func (e *asyncExecutor) worker() {
	defer e.wg.Done()

	idle := time.NewTimer(e.conf.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task, ok := <-e.queue:
			if !ok {
				e.mu.Lock()
				e.workers--
				e.mu.Unlock()
				return
			}
			e.safeRun(e.baseCtx, task)
			e.reportGauges()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.conf.IdleTimeout)
		case <-idle.C:
			if e.tryRetire() {
				e.reportGauges()
				return
			}
			idle.Reset(e.conf.IdleTimeout)
		}
	}
}

func (e *asyncExecutor) runInline(ctx context.Context, task asyncTask) {
	e.inline.Add(1)
	if e.metrics != nil {
		e.metrics.recordInlineRun(task.Key, task.Listener)
	}
	e.safeRun(ctx, task)
}

func (e *asyncExecutor) safeRun(ctx context.Context, task asyncTask) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := newHandlerPanicError(r)
			e.failures.Add(1)
			if e.logger != nil {
				e.logger.Error("Async dispatch panicked", panicErr, loggingpkg.LogFields{
					"listener":  task.Listener,
					"event_key": string(task.Key),
					"entity_id": task.EntityID,
					"stack":     string(panicErr.Stack),
				})
			}
		}
	}()

	e.executed.Add(1)
	if err := e.execute(ctx, task); err != nil {
		e.failures.Add(1)
		if e.logger != nil {
			e.logger.Error("Async dispatch failed", err, loggingpkg.LogFields{
				"listener":  task.Listener,
				"event_key": string(task.Key),
				"entity_id": task.EntityID,
			})
		}
	}
}

// execute re-fetches the entity and invokes the task. The fetch happens at
// execution time, not publish time, so handlers always observe current state.
// A scoped resource is held for the whole fetch-and-invoke when the source
// provides one.
func (e *asyncExecutor) execute(ctx context.Context, task asyncTask) error {
	run := func(ctx context.Context) error {
		entity, err := e.source.FindByID(ctx, task.EntityType, task.EntityID)
		if err != nil {
			if errors.Is(err, errspkg.ErrEntityNotFound) {
				e.misses.Add(1)
				if task.OnMiss != nil {
					task.OnMiss(ctx)
				}
				if e.logger != nil {
					e.logger.Warn("Skipping dispatch, entity no longer exists", loggingpkg.LogFields{
						"listener":    task.Listener,
						"event_key":   string(task.Key),
						"entity_type": task.EntityType,
						"entity_id":   task.EntityID,
					})
				}
				return nil
			}
			return err
		}
		return task.Invoke(ctx, entity)
	}

	if e.scoper != nil {
		return e.scoper.WithResource(ctx, run)
	}
	return run(ctx)
}

func (e *asyncExecutor) reportGauges() {
	if e.metrics == nil {
		return
	}
	e.mu.Lock()
	workers := e.workers
	queueLen := len(e.queue)
	e.mu.Unlock()
	e.metrics.setWorkers(workers)
	e.metrics.setQueueDepth(queueLen)
}
