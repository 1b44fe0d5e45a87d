package scheduler

import (
	"context"
	"fmt"
	"time"

	"flowcore/internal/eventbus"
	"flowcore/pkg/logx"
)

func (s *Scheduler) janitorInterval() time.Duration {
	every := s.cfg.JanitorInterval
	if idle := s.cfg.AutoShutdown.IdleTimeout; s.cfg.AutoShutdown.Enabled && idle > 0 {
		every = min(every, max(idle/4, 10*time.Millisecond))
	}
	return every
}

func (s *Scheduler) janitorLoop(ctx context.Context) error {
	t := time.NewTicker(s.janitorInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s.janitorTick(now)
		}
	}
}

// janitorTick evicts expired terminal tasks and raises the idle shutdown
// candidate.
func (s *Scheduler) janitorTick(now time.Time) {
	s.mu.Lock()
	evicted := 0
	if s.cfg.Retention > 0 {
		cutoff := now.Add(-s.cfg.Retention)
		for _, t := range s.tasks {
			if t.finished() && t.ended.Before(cutoff) {
				s.purgeLocked(t, "retention")
				evicted++
			}
		}
	}
	idle := s.cfg.AutoShutdown.IdleTimeout
	if s.cfg.AutoShutdown.Enabled && idle > 0 && s.live == 0 && !s.idleSince.IsZero() && !s.idleSent {
		if idleFor := now.Sub(s.idleSince); idleFor >= idle {
			s.idleSent = true
			s.emitLocked(eventbus.SystemShutdown, nil, map[string]any{
				"reason":   "idle",
				"idle_for": idleFor.String(),
			})
			s.log.Info("shutdown candidate: scheduler idle", logx.Duration("idle_for", idleFor))
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.log.Debug("retention purge", logx.Int("evicted", evicted))
	}
	s.flush()
}

// Purge evicts a terminal task from the index.
func (s *Scheduler) Purge(id string) error {
	s.mu.Lock()
	t, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !t.finished() {
		st := t.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskNotTerminal, id, st)
	}
	s.purgeLocked(t, "manual")
	s.mu.Unlock()
	s.flush()
	return nil
}

func (s *Scheduler) purgeLocked(t *task, reason string) {
	id := t.spec.ID
	s.unindexLocked(t)
	delete(s.tasks, id)
	for _, d := range t.spec.Deps {
		if dt := s.tasks[d]; dt != nil {
			dt.dependents = removeString(dt.dependents, id)
		}
	}
	s.purged++
	s.emitLocked(eventbus.TaskPurged, t, map[string]any{"reason": reason})
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
