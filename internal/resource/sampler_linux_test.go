//go:build linux

package resource

import (
	"context"
	"testing"
)

func TestSystemSamplerReadsPercentages(t *testing.T) {
	s, err := NewSystemSampler()
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	ctx := context.Background()
	checks := map[string]func() (float64, error){
		"cpu":    func() (float64, error) { return s.CPUPercent(ctx) },
		"memory": func() (float64, error) { return s.MemoryPercent(ctx) },
		"disk":   func() (float64, error) { return s.DiskPercent(ctx, "/") },
	}
	for name, f := range checks {
		v, err := f()
		if err != nil {
			t.Skipf("%s not readable here: %v", name, err)
		}
		if v < 0 || v > 100 {
			t.Fatalf("%s percent out of range: %f", name, v)
		}
	}
}
