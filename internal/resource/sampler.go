package resource

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by samplers that cannot read a resource on the
// current platform.
var ErrUnsupported = errors.New("resource: not supported on this platform")

// Sampler reads raw utilization percentages from the operating system.
type Sampler interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	DiskPercent(ctx context.Context, path string) (float64, error)
}

// snapshotter is implemented by samplers that read every resource in one
// call. Monitor.Sample prefers it over the three per-kind methods.
type snapshotter interface {
	snapshot(ctx context.Context, diskPath string) (cpu, mem, disk float64, err error)
}

// SamplerFunc adapts a function returning a full reading into a Sampler.
// Handy for tests and for feeding externally collected metrics. The monitor
// calls it once per tick; the per-kind methods each call it again.
type SamplerFunc func(ctx context.Context) (cpu, mem, disk float64, err error)

func (f SamplerFunc) snapshot(ctx context.Context, _ string) (float64, float64, float64, error) {
	return f(ctx)
}

func (f SamplerFunc) CPUPercent(ctx context.Context) (float64, error) {
	v, _, _, err := f(ctx)
	return v, err
}

func (f SamplerFunc) MemoryPercent(ctx context.Context) (float64, error) {
	_, v, _, err := f(ctx)
	return v, err
}

func (f SamplerFunc) DiskPercent(ctx context.Context, _ string) (float64, error) {
	_, _, v, err := f(ctx)
	return v, err
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
