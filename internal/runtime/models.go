package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	jsoncodec "github.com/denmarkmeralpis/listenable/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute

	panicStackLimit = 4096
)

// Lifecycle actions recognised by the bundled in-memory source. Custom sources
// may accept additional actions; any non-empty lower-case name is a valid key
// segment.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Dispatch modes reported per binding.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// EventKey identifies a lifecycle event as "{entity_type}.{action}". Keys are
// always lower-case so that registrations and hook callbacks agree regardless
// of how callers capitalise entity types.
type EventKey string

// KeyFor builds the canonical event key for an entity type and action.
func KeyFor(entityType, action string) EventKey {
	return EventKey(strings.ToLower(entityType) + "." + strings.ToLower(action))
}

// Event describes a single lifecycle occurrence flowing through the bus.
type Event struct {
	ID         string    `json:"id"`
	Key        EventKey  `json:"key"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// HandlerFunc processes one entity occurrence. The entity argument is the
// value returned by the source's FindByID at dispatch time, never a stale
// snapshot captured when the event was published.
type HandlerFunc func(ctx context.Context, entity any) error

// Invocation carries one dispatch through the middleware chain.
type Invocation struct {
	Listener string
	Event    Event
	Async    bool
	Entity   any
}

// DispatchFunc executes one invocation.
type DispatchFunc func(ctx context.Context, inv Invocation) error

// HandlerPanicError reports a panic recovered from a handler, with the stack
// captured at the recovery site.
type HandlerPanicError struct {
	Value any
	Stack []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("listenable: handler panic: %v", e.Value)
}

func newHandlerPanicError(value any) *HandlerPanicError {
	return &HandlerPanicError{Value: value, Stack: truncateStack(debug.Stack())}
}

func truncateStack(stack []byte) []byte {
	if len(stack) <= panicStackLimit {
		return stack
	}
	return stack[:panicStackLimit]
}

// UnprocessableEntityError wraps entities that failed a type check before
// reaching a handler.
type UnprocessableEntityError struct {
	entityMessage string
	err           error
}

func (e *UnprocessableEntityError) Error() string {
	return "unprocessable entity: " + e.entityMessage + " error: " + e.err.Error()
}

func (e *UnprocessableEntityError) Unwrap() error {
	return e.err
}

// TypedHandler adapts a handler expecting a concrete entity type into a
// HandlerFunc. Dispatches whose entity is not a T fail with an
// UnprocessableEntityError. A nil handler yields a nil HandlerFunc, which the
// wiring skips.
func TypedHandler[T any](handler func(ctx context.Context, entity T) error) HandlerFunc {
	if handler == nil {
		return nil
	}
	return func(ctx context.Context, entity any) error {
		typed, ok := entity.(T)
		if !ok {
			var want T
			return &UnprocessableEntityError{
				entityMessage: fmt.Sprintf("%T", entity),
				err:           fmt.Errorf("entity is not %T", want),
			}
		}
		return handler(ctx, typed)
	}
}

// ListenerStats tracks dispatch statistics for one listener binding.
type ListenerStats struct {
	mu sync.Mutex `json:"-"`

	listenerName string   `json:"-"`
	eventKey     EventKey `json:"-"`
	async        bool     `json:"-"`

	Invocations         uint64    `json:"invocations"`
	Failures            uint64    `json:"failures"`
	Panics              uint64    `json:"panics"`
	Skips               uint64    `json:"skips"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

// ListenerInfo describes a wired binding for the stats API.
type ListenerInfo struct {
	Name     string         `json:"name"`
	EventKey EventKey       `json:"event_key"`
	Mode     string         `json:"mode"`
	Stats    *ListenerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentEPS     float64 `json:"current_eps"`
	WindowSeconds  float64 `json:"window_seconds"`
	EventsInWindow uint64  `json:"events_in_window"`
	TotalEvents    uint64  `json:"total_events"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

func newListenerStats(name string, key EventKey, async bool, sampler *resourceTracker) *ListenerStats {
	return &ListenerStats{
		listenerName:     name,
		eventKey:         key,
		async:            async,
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *ListenerStats) onDispatchStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.InFlight++
	if s.InFlight > s.MaxInFlight {
		s.MaxInFlight = s.InFlight
	}
}

func (s *ListenerStats) onDispatchFinish(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}

	s.Invocations++
	if err != nil {
		s.Failures++
		var panicked *HandlerPanicError
		if errors.As(err, &panicked) {
			s.Panics++
		}
	}
	s.TotalProcessingTime += int64(duration)
	s.LastInvokedAt = time.Now().UTC()

	if s.latencyWindow != nil {
		s.latencyWindow.Add(duration)
		snapshot := s.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if s.Invocations > 0 {
			snapshot.AverageNs = s.TotalProcessingTime / int64(s.Invocations)
		}
		s.Latency = snapshot
	}

	if s.throughputWindow != nil {
		snapshot := s.throughputWindow.AddAndSnapshot(time.Now())
		s.Throughput.CurrentEPS = snapshot.CurrentEPS
		s.Throughput.WindowSeconds = snapshot.WindowSeconds
		s.Throughput.EventsInWindow = uint64(snapshot.Count)
	}
	s.Throughput.TotalEvents = s.Invocations

	if s.resourceSampler != nil {
		s.Resource = s.resourceSampler.Snapshot()
	}
}

// recordSkip counts a dispatch that was abandoned because the entity no
// longer existed when the task ran.
func (s *ListenerStats) recordSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Skips++
}

func (s *ListenerStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias ListenerStats
	return jsoncodec.Marshal((*Alias)(s))
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentEPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentEPS:    float64(count) / span.Seconds(),
	}
}
