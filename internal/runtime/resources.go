package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPU      = "/sched/cpu:seconds"
	sampleHeap     = "/memory/classes/heap/objects:bytes"
	sampleGCCycles = "/gc/cycles/total:gc-cycles"
)

// ResourceUsage is a coarse view of the supervising process, reported next
// to the worker list.
type ResourceUsage struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryBytes uint64        `json:"memory_bytes"`
	Goroutines  int           `json:"goroutines"`
	GCCycles    uint64        `json:"gc_cycles"`
	Uptime      time.Duration `json:"uptime_ns"`
}

// resourceTracker derives CPU usage from the difference between two reads.
// Child process workers are not included.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	startedAt      time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples:   defaultSamples(),
		startedAt: time.Now(),
		numCPU:    float64(runtime.NumCPU()),
	}
}

func defaultSamples() []metrics.Sample {
	return []metrics.Sample{{Name: sampleCPU}, {Name: sampleHeap}, {Name: sampleGCCycles}}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = defaultSamples()
	}
	if r.startedAt.IsZero() {
		r.startedAt = time.Now()
	}
	if r.numCPU == 0 {
		r.numCPU = float64(runtime.NumCPU())
	}

	metrics.Read(r.samples)
	usage := ResourceUsage{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(r.startedAt),
	}

	now := time.Now()
	for _, sample := range r.samples {
		switch sample.Name {
		case sampleCPU:
			if sample.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpuSeconds := sample.Value.Float64()
			if !r.lastSample.IsZero() {
				deltaWall := now.Sub(r.lastSample).Seconds()
				if deltaWall > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case sampleHeap:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = sample.Value.Uint64()
			}
		case sampleGCCycles:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.GCCycles = sample.Value.Uint64()
			}
		}
	}
	r.lastSample = now
	return usage
}
