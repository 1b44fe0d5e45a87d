package resource

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind identifies a sampled resource.
type Kind string

const (
	CPU    Kind = "cpu"
	Memory Kind = "memory"
	Disk   Kind = "disk"
	// All is only meaningful for RegisterCallback.
	All Kind = "all"
)

// Kinds lists the sampled resources in evaluation order.
var Kinds = []Kind{CPU, Memory, Disk}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case CPU, Memory, Disk, All:
		return k, nil
	case "mem":
		return Memory, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
}

// Level is the pressure state of one resource.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sample is one point-in-time reading. Kinds listed in Failed could not be
// read on that tick and carry no value.
type Sample struct {
	Time   time.Time `json:"time"`
	CPU    float64   `json:"cpu"`
	Memory float64   `json:"memory"`
	Disk   float64   `json:"disk"`
	Failed []Kind    `json:"failed,omitempty"`
}

func (s Sample) Value(k Kind) (float64, bool) {
	if slices.Contains(s.Failed, k) {
		return 0, false
	}
	switch k {
	case CPU:
		return s.CPU, true
	case Memory:
		return s.Memory, true
	case Disk:
		return s.Disk, true
	}
	return 0, false
}

// Thresholds are critical percentages (0-100].
type Thresholds struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

func (t Thresholds) For(k Kind) float64 {
	switch k {
	case CPU:
		return t.CPU
	case Memory:
		return t.Memory
	case Disk:
		return t.Disk
	}
	return 0
}

func (t Thresholds) Validate() error {
	for _, k := range Kinds {
		if v := t.For(k); v <= 0 || v > 100 {
			return fmt.Errorf("resource: %s threshold %.2f out of range (0,100]", k, v)
		}
	}
	return nil
}

// Transition describes one threshold crossing.
type Transition struct {
	Kind      Kind      `json:"kind"`
	From      Level     `json:"from"`
	To        Level     `json:"to"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Time      time.Time `json:"time"`
}

// Recovered reports a drop to a lower level.
func (t Transition) Recovered() bool { return t.To < t.From }

// Callback is invoked synchronously from the sampling loop.
type Callback func(Transition)

// Load is the input to OptimalWorkerCount.
type Load struct {
	CPU     float64
	Memory  float64
	Pending int
	Active  int
}

// Bounds are the pool limits a recommendation must respect.
type Bounds struct {
	Min int
	Max int
}
