package scheduler

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// normalizeLocked validates specs as one batch against the current index and
// returns them with defaults applied twice over: in input order, and in an
// order where every dependency precedes its dependents. Nothing is mutated on
// error.
func (s *Scheduler) normalizeLocked(specs []Spec) (normalized, topo []Spec, err error) {
	batch := make(map[string]int, len(specs))
	out := make([]Spec, len(specs))
	for i, sp := range specs {
		if sp.Fn == nil {
			return nil, nil, fmt.Errorf("%w: task %q has no func", ErrInvalidSpec, sp.Name)
		}
		sp.ID = strings.TrimSpace(sp.ID)
		if sp.ID == "" {
			sp.ID = uuid.NewString()
		}
		if strings.TrimSpace(sp.Name) == "" {
			sp.Name = sp.ID
		}
		if _, ok := s.tasks[sp.ID]; ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTask, sp.ID)
		}
		if _, ok := batch[sp.ID]; ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateTask, sp.ID)
		}
		if sp.MaxRetries == DefaultRetries {
			sp.MaxRetries = s.cfg.DefaultMaxRetries
		}
		if sp.MaxRetries < 0 {
			return nil, nil, fmt.Errorf("%w: task %s: negative max retries", ErrInvalidSpec, sp.ID)
		}
		if sp.Timeout < 0 {
			return nil, nil, fmt.Errorf("%w: task %s: negative timeout", ErrInvalidSpec, sp.ID)
		}
		if sp.Timeout == 0 {
			sp.Timeout = s.cfg.DefaultTimeout
		}
		if sp.Priority < Low || sp.Priority > Critical {
			return nil, nil, fmt.Errorf("%w: task %s: priority %d out of range", ErrInvalidSpec, sp.ID, sp.Priority)
		}
		sp.Backoff = sp.Backoff.orDefault(s.cfg.DefaultBackoff)
		sp.Deps = dedupe(sp.Deps)
		sp.Tags = dedupe(sp.Tags)
		batch[sp.ID] = i
		out[i] = sp
	}

	for _, sp := range out {
		for _, d := range sp.Deps {
			if _, ok := s.tasks[d]; ok {
				continue
			}
			if _, ok := batch[d]; !ok {
				return nil, nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, sp.ID, d)
			}
		}
	}

	topo, err = s.topoOrder(out, batch)
	if err != nil {
		return nil, nil, err
	}
	return out, topo, nil
}

// topoOrder runs a depth-first traversal with a recursion stack over the
// batch plus the already-registered graph. A back edge is a cycle.
func (s *Scheduler) topoOrder(specs []Spec, batch map[string]int) ([]Spec, error) {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	order := make([]Spec, 0, len(specs))

	depsOf := func(id string) []string {
		if i, ok := batch[id]; ok {
			return specs[i].Deps
		}
		if t, ok := s.tasks[id]; ok {
			return t.spec.Deps
		}
		return nil
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			at := slices.Index(stack, id)
			cycle := append(slices.Clone(stack[at:]), id)
			return &CyclicDependencyError{Cycle: cycle}
		case black:
			return nil
		}
		color[id] = grey
		stack = append(stack, id)
		for _, d := range depsOf(id) {
			if err := visit(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		if i, ok := batch[id]; ok {
			order = append(order, specs[i])
		}
		return nil
	}

	for _, sp := range specs {
		if err := visit(sp.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// readyHeap orders by priority (desc), then registration sequence (asc).
type readyHeap []*task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].spec.Priority != h[j].spec.Priority {
		return h[i].spec.Priority > h[j].spec.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *readyHeap) Push(x any) {
	t := x.(*task)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

func (h *readyHeap) push(t *task) { heap.Push(h, t) }

func (h *readyHeap) pop() *task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*task)
}

func (h *readyHeap) remove(t *task) bool {
	if t.heapIdx < 0 || t.heapIdx >= h.Len() || (*h)[t.heapIdx] != t {
		return false
	}
	heap.Remove(h, t.heapIdx)
	return true
}
