package scheduler

import (
	"context"
	"time"

	"flowcore/internal/eventbus"
	"flowcore/pkg/logx"
)

func (s *Scheduler) indexLocked(t *task) {
	add := func(m map[string]map[string]*task, key string) {
		if key == "" {
			return
		}
		set := m[key]
		if set == nil {
			set = map[string]*task{}
			m[key] = set
		}
		set[t.spec.ID] = t
	}
	for _, tag := range t.spec.Tags {
		add(s.byTag, tag)
	}
	add(s.byGroup, t.spec.Group)
	st := s.byStatus[t.status]
	if st == nil {
		st = map[string]*task{}
		s.byStatus[t.status] = st
	}
	st[t.spec.ID] = t
}

func (s *Scheduler) unindexLocked(t *task) {
	drop := func(m map[string]map[string]*task, key string) {
		if set := m[key]; set != nil {
			delete(set, t.spec.ID)
			if len(set) == 0 {
				delete(m, key)
			}
		}
	}
	for _, tag := range t.spec.Tags {
		drop(s.byTag, tag)
	}
	drop(s.byGroup, t.spec.Group)
	if set := s.byStatus[t.status]; set != nil {
		delete(set, t.spec.ID)
	}
}

func (s *Scheduler) setStatusLocked(t *task, st Status) {
	if t.status == st {
		return
	}
	if set := s.byStatus[t.status]; set != nil {
		delete(set, t.spec.ID)
	}
	t.status = st
	set := s.byStatus[st]
	if set == nil {
		set = map[string]*task{}
		s.byStatus[st] = set
	}
	set[t.spec.ID] = t
}

// emitLocked queues a lifecycle event. t may be nil for scheduler-wide events.
func (s *Scheduler) emitLocked(typ eventbus.EventType, t *task, extra map[string]any) {
	data := make(map[string]any, len(extra)+4)
	if t != nil {
		data["task"] = t.spec.ID
		data["name"] = t.spec.Name
		data["status"] = t.status.String()
		data["priority"] = t.spec.Priority.String()
		if t.spec.Group != "" {
			data["group"] = t.spec.Group
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	s.outbox = append(s.outbox, outItem{ev: eventbus.NewEvent(typ, eventSource, data)})
}

// afterLocked queues fn to run once every event queued before it is published.
func (s *Scheduler) afterLocked(fn func()) {
	s.outbox = append(s.outbox, outItem{after: fn})
}

// flush publishes queued events in order. Whoever holds flushMu drains the
// outbox; a caller that finds it held returns and leaves its events to the
// holder, so a handler that calls back into the scheduler cannot deadlock.
func (s *Scheduler) flush() {
	for {
		if !s.flushMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			batch := s.outbox
			s.outbox = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, it := range batch {
				if it.after != nil {
					it.after()
					continue
				}
				s.publish(it.ev)
			}
		}
		s.flushMu.Unlock()

		s.mu.Lock()
		pending := len(s.outbox) > 0
		s.mu.Unlock()
		if !pending {
			return
		}
	}
}

func (s *Scheduler) publish(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), e); err != nil {
		s.log.Warn("publish failed", logx.String("event", string(e.Type)), logx.Err(err))
	}
}

// makeReadyLocked moves a Pending task whose dependencies are met into the
// ready queue.
func (s *Scheduler) makeReadyLocked(t *task) {
	s.setStatusLocked(t, Ready)
	s.ready.push(t)
	s.emitLocked(eventbus.TaskReady, t, map[string]any{"attempt": t.attempts + 1})
}

// requestLocked marks t and its unfinished transitive dependencies as
// requested, readying every one whose dependencies are already met.
func (s *Scheduler) requestLocked(t *task) {
	if t.finished() || t.requested {
		return
	}
	t.requested = true
	for _, d := range t.spec.Deps {
		if dt := s.tasks[d]; dt != nil {
			s.requestLocked(dt)
		}
	}
	if t.status == Pending && t.unmet == 0 {
		s.makeReadyLocked(t)
	}
}

// terminateLocked records a final state and releases waiters once the
// terminal event is out.
func (s *Scheduler) terminateLocked(t *task, st Status, err error, now time.Time, extra map[string]any) {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	if t.heapIdx >= 0 {
		s.ready.remove(t)
	}
	s.setStatusLocked(t, st)
	t.err = err
	t.retrying = false
	t.nextRetry = time.Time{}
	t.ended = now
	t.cancel = nil
	s.live--

	if extra == nil {
		extra = map[string]any{}
	}
	extra["attempts"] = t.attempts
	var typ eventbus.EventType
	switch st {
	case Completed:
		typ = eventbus.TaskCompleted
		s.completed++
		if !t.firstStart.IsZero() {
			s.latencyTotal += now.Sub(t.firstStart)
			extra["duration"] = now.Sub(t.started).String()
		}
	case Failed:
		typ = eventbus.TaskFailed
		s.failed++
		extra["retryable"] = false
		extra["error"] = err.Error()
	case Cancelled:
		typ = eventbus.TaskCancelled
		s.cancelled++
		extra["error"] = err.Error()
	}
	s.emitLocked(typ, t, extra)

	if err != nil {
		s.log.Debug("task finished", logx.String("task", t.spec.ID), logx.String("status", st.String()), logx.Int("attempts", t.attempts), logx.Err(err))
	} else {
		s.log.Debug("task finished", logx.String("task", t.spec.ID), logx.String("status", st.String()), logx.Int("attempts", t.attempts))
	}

	done := t.done
	s.afterLocked(func() { close(done) })

	if t.spec.AutoShutdown {
		s.eligibleLive--
		if st == Completed {
			s.eligibleCompleted++
		}
		if s.cfg.AutoShutdown.Enabled && s.eligibleLive == 0 && s.eligibleCompleted > 0 && !s.shutdownSent {
			s.shutdownSent = true
			s.emitLocked(eventbus.SystemShutdown, nil, map[string]any{
				"reason":    "tasks_complete",
				"completed": s.eligibleCompleted,
			})
			s.log.Info("shutdown candidate: all eligible tasks finished", logx.Int("completed", s.eligibleCompleted))
		}
	}
	if s.live == 0 {
		s.idleSince = now
	}
}

// completeLocked records success and readies requested dependents whose last
// dependency this was. The dependents' events queue after the completion.
func (s *Scheduler) completeLocked(t *task, v any, now time.Time) {
	t.result = v
	s.terminateLocked(t, Completed, nil, now, nil)
	for _, id := range t.dependents {
		d := s.tasks[id]
		if d == nil || d.status != Pending {
			continue
		}
		if d.unmet > 0 {
			d.unmet--
		}
		if d.unmet == 0 && d.requested {
			s.makeReadyLocked(d)
		}
	}
}

// propagateLocked fails every unfinished transitive dependent of root without
// running it.
func (s *Scheduler) propagateLocked(root *task, now time.Time) {
	rootID, rootStatus := root.spec.ID, root.status
	if de, ok := root.err.(*TaskDependencyError); ok {
		rootID, rootStatus = de.Root, de.RootStatus
	}
	queue := []*task{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range cur.dependents {
			d := s.tasks[id]
			if d == nil || d.finished() {
				continue
			}
			d.gen++
			s.terminateLocked(d, Failed, &TaskDependencyError{
				Task:       d.spec.ID,
				Dependency: cur.spec.ID,
				Root:       rootID,
				RootStatus: rootStatus,
			}, now, map[string]any{"dependency": cur.spec.ID, "root": rootID})
			queue = append(queue, d)
		}
	}
}

func (s *Scheduler) noteDrainLocked() {
	if s.drained != nil && s.inflight == 0 {
		close(s.drained)
		s.drained = nil
	}
}
