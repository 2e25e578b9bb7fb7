package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// DefaultSampleInterval is how often host resources are sampled.
// Independent of frame rate: per-frame sampling would cost more than it tells.
const DefaultSampleInterval = 1 * time.Second

// SampleFunc takes one host resource sample
type SampleFunc func(ctx context.Context) (types.ResourceUsage, error)

// ResourceSampler samples host CPU and memory usage on a fixed interval and
// publishes the latest value lock-free (atomic pointer).
//
// It is the only metrics state shared across sessions: every session's
// snapshot reads the same Latest value.
type ResourceSampler struct {
	interval time.Duration
	sample   SampleFunc

	latest  atomic.Pointer[types.ResourceUsage]
	samples atomic.Uint64
	errors  atomic.Uint64
}

// NewResourceSampler creates a sampler backed by gopsutil.
// interval <= 0 selects DefaultSampleInterval.
func NewResourceSampler(interval time.Duration) *ResourceSampler {
	return NewResourceSamplerWith(interval, HostUsage)
}

// NewResourceSamplerWith creates a sampler with a custom sample function (tests)
func NewResourceSamplerWith(interval time.Duration, sample SampleFunc) *ResourceSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	s := &ResourceSampler{interval: interval, sample: sample}
	s.latest.Store(&types.ResourceUsage{})
	return s
}

// HostUsage reads system-wide CPU and virtual memory utilization.
// CPU percent is measured since the previous call (non-blocking).
func HostUsage(ctx context.Context) (types.ResourceUsage, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return types.ResourceUsage{}, fmt.Errorf("metrics: cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.ResourceUsage{}, fmt.Errorf("metrics: virtual memory: %w", err)
	}

	usage := types.ResourceUsage{MemPercent: vm.UsedPercent}
	if len(cpuPercents) > 0 {
		usage.CPUPercent = cpuPercents[0]
	}
	return usage, nil
}

// Latest returns the most recent sample (zero before the first one)
func (s *ResourceSampler) Latest() types.ResourceUsage {
	return *s.latest.Load()
}

// SampleOnce takes a sample immediately and publishes it
func (s *ResourceSampler) SampleOnce(ctx context.Context) error {
	usage, err := s.sample(ctx)
	if err != nil {
		s.errors.Add(1)
		return err
	}
	s.latest.Store(&usage)
	s.samples.Add(1)
	return nil
}

// Run samples until ctx is cancelled. Sampling errors are logged, never fatal.
func (s *ResourceSampler) Run(ctx context.Context) error {
	if err := s.SampleOnce(ctx); err != nil {
		slog.Warn("metrics: resource sample failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("metrics: resource sampler stopped",
				"samples", s.samples.Load(),
				"errors", s.errors.Load(),
			)
			return nil
		case <-ticker.C:
			if err := s.SampleOnce(ctx); err != nil {
				slog.Warn("metrics: resource sample failed", "error", err)
			}
		}
	}
}
