package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// resourceTracker feeds the resource section of listener stats snapshots.
// CPU load is derived from the scheduler's cumulative CPU seconds: each
// snapshot takes the delta against the previous one and normalises it by
// wall time and core count, so the first snapshot has no baseline and
// reports zero.
type resourceTracker struct {
	mu sync.Mutex

	cpuSample      []metrics.Sample
	prevCPUSeconds float64
	prevWall       time.Time
	cores          float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		cpuSample: []metrics.Sample{{Name: cpuSecondsMetric}},
		cores:     float64(runtime.NumCPU()),
	}
}

// Snapshot reads current memory, goroutine, and CPU figures. Safe on a nil
// receiver, which reports zero usage.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.mu.Lock()
	defer r.mu.Unlock()

	return ResourceUsage{
		CPUPercent:  r.cpuPercentLocked(time.Now()),
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

func (r *resourceTracker) cpuPercentLocked(now time.Time) float64 {
	if len(r.cpuSample) == 0 {
		r.cpuSample = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(r.cpuSample)
	if r.cpuSample[0].Value.Kind() != metrics.KindFloat64 {
		// Metric unavailable on this runtime; keep the wall clock moving so a
		// later success does not observe a huge delta.
		r.prevWall = now
		return 0
	}
	cpuSeconds := r.cpuSample[0].Value.Float64()

	var percent float64
	if !r.prevWall.IsZero() {
		elapsed := now.Sub(r.prevWall).Seconds()
		if elapsed > 0 && r.cores > 0 {
			percent = (cpuSeconds - r.prevCPUSeconds) / elapsed / r.cores * 100
		}
	}

	r.prevCPUSeconds = cpuSeconds
	r.prevWall = now
	return percent
}
