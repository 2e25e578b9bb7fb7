// Package metrics keeps per-session timing statistics and samples host resources.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// DefaultWindowSize is the number of processed frames kept per session.
const DefaultWindowSize = 30

// ResourceSource supplies the latest host resource sample.
// Sampling happens elsewhere at a low fixed rate; Latest must not block.
type ResourceSource interface {
	Latest() types.ResourceUsage
}

// Aggregator is the sliding-window metrics of one session.
//
// Latency of a processed frame is completedAt - receivedAt. FPS is the inverse
// of the mean inter-arrival time between consecutive processed frames in the
// window (1000 / mean_interval_ms), which is what the renderer perceives.
//
// Rounding follows the wire contract: fps to 2 decimals, latencies to 1.
//
// Thread-safety: all methods are safe for concurrent use. The owning session
// is the only writer; readers are status endpoints.
type Aggregator struct {
	mu sync.Mutex

	latencies *Window // ms
	intervals *Window // ms between consecutive completions

	lastCompletedAt time.Time
	frameCount      uint64
	droppedFrames   uint64
	skippedFrames   uint64

	resources ResourceSource
}

// NewAggregator creates an Aggregator with the given window size.
// resources may be nil (cpu/mem report zero).
func NewAggregator(windowSize int, resources ResourceSource) *Aggregator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Aggregator{
		latencies: NewWindow(windowSize),
		intervals: NewWindow(windowSize),
		resources: resources,
	}
}

// RecordFrame records a processed frame received at receivedAt and completed at completedAt
func (a *Aggregator) RecordFrame(receivedAt, completedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latencies.Add(durationMS(completedAt.Sub(receivedAt)))
	if !a.lastCompletedAt.IsZero() {
		a.intervals.Add(durationMS(completedAt.Sub(a.lastCompletedAt)))
	}
	a.lastCompletedAt = completedAt
	a.frameCount++
}

// RecordDrop counts one dropped frame
func (a *Aggregator) RecordDrop() {
	a.mu.Lock()
	a.droppedFrames++
	a.mu.Unlock()
}

// RecordSkip counts one frame skipped by the frame-skip policy
func (a *Aggregator) RecordSkip() {
	a.mu.Lock()
	a.skippedFrames++
	a.mu.Unlock()
}

// Dropped returns the cumulative dropped-frame count
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.droppedFrames
}

// Reset clears the windows and all counters
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latencies.Reset()
	a.intervals.Reset()
	a.lastCompletedAt = time.Time{}
	a.frameCount = 0
	a.droppedFrames = 0
	a.skippedFrames = 0
}

// Snapshot returns the current metrics (non-blocking, copy)
func (a *Aggregator) Snapshot() types.MetricsSnapshot {
	a.mu.Lock()
	avg, min, max := a.latencies.Stats()
	meanInterval, _, _ := a.intervals.Stats()
	snap := types.MetricsSnapshot{
		AvgLatencyMS:  round(avg, 1),
		MinLatencyMS:  round(min, 1),
		MaxLatencyMS:  round(max, 1),
		DroppedFrames: a.droppedFrames,
		SkippedFrames: a.skippedFrames,
		FrameCount:    a.frameCount,
	}
	a.mu.Unlock()

	if meanInterval > 0 {
		snap.FPS = round(1000/meanInterval, 2)
	}

	if a.resources != nil {
		usage := a.resources.Latest()
		snap.CPUPercent = round(usage.CPUPercent, 1)
		snap.MemPercent = round(usage.MemPercent, 1)
	}

	return snap
}

func durationMS(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
