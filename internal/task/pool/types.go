package pool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority orders queued work. Higher values run first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}

// Func is a unit of work. ctx is cancelled when the handle is cancelled or
// the pool is force-stopped.
type Func func(ctx context.Context) (any, error)

type Config struct {
	Name           string
	MinWorkers     int
	MaxWorkers     int
	InitialWorkers int
	// MaxBacklog caps queued (not running) submissions. 0 means unbounded.
	MaxBacklog int
	// ResizeCooldown spaces autoscale decisions.
	ResizeCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "pool"
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = max(c.MinWorkers, 4)
	}
	if c.InitialWorkers <= 0 {
		c.InitialWorkers = c.MaxWorkers
	}
	c.InitialWorkers = min(max(c.InitialWorkers, c.MinWorkers), c.MaxWorkers)
	if c.MaxBacklog < 0 {
		c.MaxBacklog = 0
	}
	if c.ResizeCooldown <= 0 {
		c.ResizeCooldown = 10 * time.Second
	}
	return c
}

// Slot describes one worker slot.
type Slot struct {
	ID        int           `json:"id"`
	Busy      bool          `json:"busy"`
	Label     string        `json:"label,omitempty"`
	Priority  Priority      `json:"priority"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Running   time.Duration `json:"running,omitempty"`
	Footprint float64       `json:"footprint,omitempty"`
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Size      int    `json:"size"`
	Active    int    `json:"active"`
	Busy      int    `json:"busy"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	Panics    uint64 `json:"panics"`
}

// SubmitOption annotates a submission.
type SubmitOption func(*item)

// WithLabel names the work in slot snapshots and logs (typically a task id).
func WithLabel(label string) SubmitOption { return func(it *item) { it.label = label } }

// WithFootprint records an estimated resource footprint for monitoring.
func WithFootprint(f float64) SubmitOption { return func(it *item) { it.footprint = f } }
