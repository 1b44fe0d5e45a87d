//go:build !linux

package resource

import "context"

type unsupportedSampler struct{}

// NewSystemSampler returns a sampler that reports every resource as
// unsupported; the monitor treats those readings as unknown.
func NewSystemSampler() (Sampler, error) { return unsupportedSampler{}, nil }

func (unsupportedSampler) CPUPercent(context.Context) (float64, error) { return 0, ErrUnsupported }

func (unsupportedSampler) MemoryPercent(context.Context) (float64, error) {
	return 0, ErrUnsupported
}

func (unsupportedSampler) DiskPercent(context.Context, string) (float64, error) {
	return 0, ErrUnsupported
}
