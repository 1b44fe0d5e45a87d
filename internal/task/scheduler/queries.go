package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

func (s *Scheduler) lookupLocked(id string) (*task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookupLocked(id)
	if err != nil {
		return Pending, err
	}
	return t.status, nil
}

// Result returns the value of a completed task. For a task that failed or was
// cancelled it returns the terminal error, and ErrTaskNotTerminal while the
// task is still in progress.
func (s *Scheduler) Result(id string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if !t.finished() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotTerminal, id, t.status)
	}
	return t.result, t.err
}

// Error returns the terminal error of a failed or cancelled task. It is nil
// for completed tasks and for tasks still in progress, including tasks
// waiting for a retry.
func (s *Scheduler) Error(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return t.err
}

func (s *Scheduler) Info(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookupLocked(id)
	if err != nil {
		return Info{}, err
	}
	return t.info(), nil
}

func (t *task) info() Info {
	in := Info{
		ID:           t.spec.ID,
		Name:         t.spec.Name,
		Status:       t.status,
		Priority:     t.spec.Priority,
		Deps:         slices.Clone(t.spec.Deps),
		Tags:         slices.Clone(t.spec.Tags),
		Group:        t.spec.Group,
		Owner:        t.spec.Owner,
		Attempts:     t.attempts,
		Retries:      t.retries,
		MaxRetries:   t.spec.MaxRetries,
		Timeout:      t.spec.Timeout,
		Retrying:     t.retrying,
		NextRetry:    t.nextRetry,
		Requested:    t.requested,
		AutoShutdown: t.spec.AutoShutdown,
		Created:      t.created,
		Started:      t.firstStart,
		Ended:        t.ended,
	}
	if t.err != nil {
		in.Error = t.err.Error()
	}
	if t.lastErr != nil {
		in.LastError = t.lastErr.Error()
	}
	return in
}

func sortedIDs(set map[string]*task) []string {
	ts := make([]*task, 0, len(set))
	for _, t := range set {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b *task) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.spec.ID
	}
	return out
}

// ByStatus lists task ids in registration order.
func (s *Scheduler) ByStatus(st Status) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.byStatus[st])
}

func (s *Scheduler) ByTag(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.byTag[tag])
}

func (s *Scheduler) ByGroup(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.byGroup[group])
}

// Tasks snapshots every indexed task in registration order.
func (s *Scheduler) Tasks() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		ts = append(ts, t)
	}
	slices.SortFunc(ts, func(a, b *task) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Info, len(ts))
	for i, t := range ts {
		out[i] = t.info()
	}
	return out
}

// Backlog is the number of ready tasks not yet handed to the pool. The
// dispatcher never submits more than the pool size, so this is the queue
// pressure the pool itself cannot see.
func (s *Scheduler) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Registered:       s.registered,
		Completed:        s.completed,
		Failed:           s.failed,
		Cancelled:        s.cancelled,
		Purged:           s.purged,
		Attempts:         s.attemptsTotal,
		Retries:          s.retriesTotal,
		Live:             s.live,
		Ready:            s.ready.Len(),
		Running:          len(s.byStatus[Running]),
		InFlight:         s.inflight,
		RecurringFired:   s.recurringFired,
		RecurringSkipped: s.recurringSkipped,
	}
	if s.completed > 0 {
		m.AvgLatency = s.latencyTotal / time.Duration(s.completed)
	}
	if s.attemptsTotal > 0 {
		m.RetryRate = float64(s.retriesTotal) / float64(s.attemptsTotal)
	}
	return m
}
