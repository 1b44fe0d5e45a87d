package scheduler

import (
	"fmt"
	"math"
	"strings"
	"time"

	"flowcore/internal/runtime/supervisor"
	"flowcore/internal/task/pool"
)

// Re-export execution types from pool.
type (
	Func     = pool.Func
	Priority = pool.Priority
)

const (
	Low      = pool.Low
	Normal   = pool.Normal
	High     = pool.High
	Critical = pool.Critical
)

// Status is the lifecycle state of a task.
type Status int

const (
	Pending Status = iota
	Ready
	Running
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s is one of the final statuses. A task waiting for
// a retry also reports Failed, so check Info.Retrying before treating a
// Failed task as done.
func (s Status) Terminal() bool { return s == Completed || s == Failed || s == Cancelled }

func ParseStatus(v string) (Status, error) {
	for st := Pending; st <= Cancelled; st++ {
		if strings.EqualFold(strings.TrimSpace(v), st.String()) {
			return st, nil
		}
	}
	return Pending, fmt.Errorf("unknown status %q", v)
}

// DefaultRetries in Spec.MaxRetries selects Config.DefaultMaxRetries.
const DefaultRetries = -1

// Backoff shapes the delay between attempts: Base * Multiplier^retry, capped
// at Max, plus up to Jitter*delay of random spread.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

func (b Backoff) orDefault(def Backoff) Backoff {
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Jitter <= 0 {
		b.Jitter = def.Jitter
	}
	return b
}

// Delay returns the wait before retry number retry (0-based). A RetryAfter
// hint in err replaces the computed delay, still capped at Max.
func (b Backoff) Delay(retry int, err error) time.Duration {
	if hint, ok := retryAfterHint(err); ok {
		return min(hint, b.Max)
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(max(retry, 0)))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(b.Max)
	}
	out := time.Duration(d)
	if b.Jitter > 0 {
		out = min(supervisor.Jitter(out, b.Jitter), b.Max)
	}
	return out
}

// Spec describes a task to register.
type Spec struct {
	// ID is generated when empty.
	ID    string
	Name  string
	Fn    Func
	Deps  []string
	Tags  []string
	Group string
	Owner string

	Priority   Priority
	MaxRetries int
	Backoff    Backoff
	Timeout    time.Duration

	// AutoShutdown marks the task as counting toward the
	// "all eligible work done" shutdown candidate.
	AutoShutdown bool
}

// Info is a read-only snapshot of one task.
type Info struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Priority     Priority      `json:"priority"`
	Deps         []string      `json:"deps,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Group        string        `json:"group,omitempty"`
	Owner        string        `json:"owner,omitempty"`
	Attempts     int           `json:"attempts"`
	Retries      int           `json:"retries"`
	MaxRetries   int           `json:"max_retries"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Retrying     bool          `json:"retrying,omitempty"`
	NextRetry    time.Time     `json:"next_retry,omitempty"`
	Requested    bool          `json:"requested"`
	AutoShutdown bool          `json:"auto_shutdown,omitempty"`
	Created      time.Time     `json:"created"`
	Started      time.Time     `json:"started,omitempty"`
	Ended        time.Time     `json:"ended,omitempty"`
	Error        string        `json:"error,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Metrics aggregates scheduler counters. Counters are cumulative and survive
// purges.
type Metrics struct {
	Registered uint64 `json:"registered"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
	Purged     uint64 `json:"purged"`
	Attempts   uint64 `json:"attempts"`
	Retries    uint64 `json:"retries"`

	Live     int `json:"live"`
	Ready    int `json:"ready"`
	Running  int `json:"running"`
	InFlight int `json:"in_flight"`

	// AvgLatency is the mean time from first start to completion of
	// completed tasks, retries included.
	AvgLatency time.Duration `json:"avg_latency"`
	// RetryRate is retries per attempt.
	RetryRate float64 `json:"retry_rate"`

	RecurringFired   uint64 `json:"recurring_fired"`
	RecurringSkipped uint64 `json:"recurring_skipped"`
}

type AutoShutdownConfig struct {
	Enabled bool
	// IdleTimeout > 0 also emits a candidate after that long with no
	// non-terminal tasks.
	IdleTimeout time.Duration
}

type Config struct {
	DefaultMaxRetries int
	DefaultBackoff    Backoff
	DefaultTimeout    time.Duration
	// Retention evicts terminal tasks older than this. <0 keeps them.
	Retention       time.Duration
	JanitorInterval time.Duration
	// DispatchInterval is the fallback poll when no wake-up arrives.
	DispatchInterval time.Duration
	AutoShutdown     AutoShutdownConfig
	// Timezone applies to recurring cron schedules (IANA name).
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	c.DefaultBackoff = c.DefaultBackoff.orDefault(Backoff{
		Base:       500 * time.Millisecond,
		Multiplier: 2,
		Max:        15 * time.Second,
	})
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.Retention == 0 {
		c.Retention = time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 5 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 250 * time.Millisecond
	}
	if c.AutoShutdown.IdleTimeout < 0 {
		c.AutoShutdown.IdleTimeout = 0
	}
	return c
}
