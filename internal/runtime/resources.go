package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process, reported by the status
// endpoint next to the pool snapshot.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	HeapBytes   uint64  `json:"heap_bytes"`
	Goroutines  int     `json:"goroutines"`
	GCCycles    uint64  `json:"gc_cycles"`
}

const (
	sampleCPU        = "/cpu/classes/total:cpu-seconds"
	sampleMemory     = "/memory/classes/total:bytes"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
	sampleGCCycles   = "/gc/cycles/total:gc-cycles"
)

// resourceTracker samples the runtime between status requests. CPU usage is
// the average since the previous sample.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{numCPU: float64(runtime.NumCPU())}
}

func resourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: sampleCPU},
		{Name: sampleMemory},
		{Name: sampleHeap},
		{Name: sampleGoroutines},
		{Name: sampleGCCycles},
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = resourceSamples()
	}
	if r.numCPU == 0 {
		r.numCPU = float64(runtime.NumCPU())
	}
	metrics.Read(r.samples)
	now := time.Now()

	var usage ResourceUsage
	for _, s := range r.samples {
		switch s.Name {
		case sampleCPU:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastSample.IsZero() {
				wall := now.Sub(r.lastSample).Seconds()
				if wall > 0 {
					usage.CPUPercent = max(cpu-r.lastCPUSeconds, 0) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpu
		case sampleMemory:
			usage.MemoryBytes = uint64Value(s.Value)
		case sampleHeap:
			usage.HeapBytes = uint64Value(s.Value)
		case sampleGoroutines:
			usage.Goroutines = int(uint64Value(s.Value))
		case sampleGCCycles:
			usage.GCCycles = uint64Value(s.Value)
		}
	}
	r.lastSample = now

	// Metric names unknown to the running toolchain report KindBad.
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}
	return usage
}

func uint64Value(v metrics.Value) uint64 {
	if v.Kind() != metrics.KindUint64 {
		return 0
	}
	return v.Uint64()
}
