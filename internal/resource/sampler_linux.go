//go:build linux

package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// cpuPrimeWindow is how long the first CPU reading waits to obtain a delta.
const cpuPrimeWindow = 200 * time.Millisecond

type procSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
	primed    bool
}

// NewSystemSampler returns the /proc and statfs backed sampler.
func NewSystemSampler() (Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("resource: open procfs: %w", err)
	}
	return &procSampler{fs: fs}, nil
}

func (p *procSampler) cpuTimes() (busy, total float64, err error) {
	st, err := p.fs.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("resource: read /proc/stat: %w", err)
	}
	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	total = c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	return total - idle, total, nil
}

// CPUPercent reports utilization since the previous call. The first call
// takes two readings cpuPrimeWindow apart.
func (p *procSampler) CPUPercent(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.primed {
		busy, total, err := p.cpuTimes()
		if err != nil {
			return 0, err
		}
		p.lastBusy, p.lastTotal, p.primed = busy, total, true
		t := time.NewTimer(cpuPrimeWindow)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}

	busy, total, err := p.cpuTimes()
	if err != nil {
		return 0, err
	}
	dBusy, dTotal := busy-p.lastBusy, total-p.lastTotal
	p.lastBusy, p.lastTotal = busy, total
	if dTotal <= 0 {
		return 0, nil
	}
	return clampPercent(dBusy / dTotal * 100), nil
}

func (p *procSampler) MemoryPercent(ctx context.Context) (float64, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("resource: read /proc/meminfo: %w", err)
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, fmt.Errorf("resource: meminfo missing MemTotal")
	}
	total := float64(*mi.MemTotal)
	var avail float64
	switch {
	case mi.MemAvailable != nil:
		avail = float64(*mi.MemAvailable)
	case mi.MemFree != nil:
		// Pre-3.14 kernels lack MemAvailable.
		avail = float64(*mi.MemFree)
		if mi.Buffers != nil {
			avail += float64(*mi.Buffers)
		}
		if mi.Cached != nil {
			avail += float64(*mi.Cached)
		}
	default:
		return 0, fmt.Errorf("resource: meminfo missing MemAvailable")
	}
	return clampPercent((total - avail) / total * 100), nil
}

// DiskPercent matches df: used / (used + available to unprivileged users).
func (p *procSampler) DiskPercent(ctx context.Context, path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("resource: statfs %s: %w", path, err)
	}
	used := float64(st.Blocks - st.Bfree)
	denom := used + float64(st.Bavail)
	if denom <= 0 {
		return 0, nil
	}
	return clampPercent(used / denom * 100), nil
}
