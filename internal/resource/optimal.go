package resource

import "math"

// OptimalWorkerCount recommends a pool size in [b.Min, b.Max].
//
// The remaining headroom below the critical CPU and memory thresholds scales
// the size linearly between the bounds; a resource at or past its threshold
// pins the pool to b.Min. The result never exceeds the work actually
// available (pending + active), but is never below b.Min.
func OptimalWorkerCount(load Load, b Bounds, th Thresholds) int {
	lo, hi := b.Min, b.Max
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}

	headroom := 1.0
	for _, p := range [...]struct{ v, crit float64 }{{load.CPU, th.CPU}, {load.Memory, th.Memory}} {
		if p.crit <= 0 {
			continue
		}
		headroom = math.Min(headroom, (p.crit-p.v)/p.crit)
	}
	if headroom <= 0 {
		return lo
	}

	target := lo + int(math.Round(headroom*float64(hi-lo)))
	if demand := load.Pending + load.Active; demand < target {
		target = demand
	}
	return max(lo, min(hi, target))
}
