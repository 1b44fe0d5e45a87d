package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"flowcore/pkg/logx"
)

var errOverlapSkip = errors.New("previous instance still running")

const triggerWarnThrottle = 5 * time.Second

type recurring struct {
	name     string
	schedule string
	parsed   ParsedSchedule
	spec     Spec
	entry    cron.EntryID
	spread   time.Duration

	firing   bool
	last     string
	fired    uint64
	skipped  uint64
	lastWarn time.Time
}

// RecurringInfo describes one recurring registration.
type RecurringInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Kind     string    `json:"kind"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	LastTask string    `json:"last_task,omitempty"`
	Fired    uint64    `json:"fired"`
	Skipped  uint64    `json:"skipped"`
}

// AddRecurring registers and executes a fresh task from spec on every
// trigger of schedule. A trigger is skipped while the previous instance is
// unfinished. Adding an existing name replaces it.
func (s *Scheduler) AddRecurring(name, schedule string, spec Spec) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("recurring: name required")
	}
	if spec.Fn == nil {
		return fmt.Errorf("%w: recurring %q has no func", ErrInvalidSpec, name)
	}
	if strings.TrimSpace(spec.ID) != "" {
		return fmt.Errorf("%w: recurring %q must not set an id", ErrInvalidSpec, name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrSchedulerStopped
	}
	if old := s.recurring[name]; old != nil {
		s.cron.Remove(old.entry)
		delete(s.recurring, name)
	}
	r := &recurring{name: name, schedule: schedule, parsed: ps, spec: spec}
	job := cron.FuncJob(func() { s.fireRecurring(name) })
	switch ps.Kind {
	case ScheduleInterval:
		sched, jitter := intervalWithSpread(ps.Every, time.Now().In(s.loc), name)
		r.spread = jitter
		r.entry = s.cron.Schedule(sched, job)
	default:
		id, err := s.cron.AddJob(ps.CronSpec(), job)
		if err != nil {
			return fmt.Errorf("recurring %q: %w", name, err)
		}
		r.entry = id
	}
	s.recurring[name] = r

	args := []logx.Field{logx.String("name", name), logx.String("schedule", schedule), logx.String("kind", ps.Kind.String())}
	if next := s.previewNextRunsLocked(ps, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	if r.spread > 0 {
		args = append(args, logx.Duration("startup_spread", r.spread))
	}
	s.log.Debug("recurring registered", args...)
	return nil
}

// RemoveRecurring stops future triggers. Instances already registered are
// left alone.
func (s *Scheduler) RemoveRecurring(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recurring[strings.TrimSpace(name)]
	if r == nil {
		return false
	}
	s.cron.Remove(r.entry)
	delete(s.recurring, r.name)
	s.log.Debug("recurring removed", logx.String("name", r.name))
	return true
}

func (s *Scheduler) Recurring() []RecurringInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecurringInfo, 0, len(s.recurring))
	for _, r := range s.recurring {
		e := s.cron.Entry(r.entry)
		out = append(out, RecurringInfo{
			Name:     r.name,
			Schedule: r.schedule,
			Kind:     r.parsed.Kind.String(),
			Next:     e.Next,
			Prev:     e.Prev,
			LastTask: r.last,
			Fired:    r.fired,
			Skipped:  r.skipped,
		})
	}
	slices.SortFunc(out, func(a, b RecurringInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Scheduler) fireRecurring(name string) {
	s.mu.Lock()
	r := s.recurring[name]
	if r == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	if r.firing || s.unfinishedLocked(r.last) {
		r.skipped++
		s.recurringSkipped++
		s.mu.Unlock()
		s.reportTrigger(r, errOverlapSkip)
		return
	}
	r.firing = true
	spec := r.spec
	spec.Name = name
	spec.Tags = append(slices.Clone(spec.Tags), "recurring")
	if spec.Group == "" {
		spec.Group = "recurring:" + name
	}
	s.mu.Unlock()

	id, err := s.Register(spec)
	if err == nil {
		_, err = s.Execute(context.Background(), id, false)
	}

	s.mu.Lock()
	r.firing = false
	if err == nil {
		r.last = id
		r.fired++
		s.recurringFired++
	}
	s.mu.Unlock()
	if err != nil {
		s.reportTrigger(r, err)
	}
}

func (s *Scheduler) unfinishedLocked(id string) bool {
	if id == "" {
		return false
	}
	t := s.tasks[id]
	return t != nil && !t.finished()
}

// reportTrigger logs trigger problems. Overlap skips are routine; other
// errors are throttled per schedule since they tend to repeat.
func (s *Scheduler) reportTrigger(r *recurring, err error) {
	if errors.Is(err, errOverlapSkip) {
		s.log.Debug("recurring trigger skipped", logx.String("name", r.name), logx.Err(err))
		return
	}
	now := time.Now()
	s.mu.Lock()
	if !r.lastWarn.IsZero() && now.Sub(r.lastWarn) < triggerWarnThrottle {
		s.mu.Unlock()
		return
	}
	r.lastWarn = now
	s.mu.Unlock()
	s.log.Warn("recurring trigger failed", logx.String("name", r.name), logx.Err(err))
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Scheduler) previewNextRunsLocked(ps ParsedSchedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || ps.Kind == ScheduleInterval {
		return ""
	}
	sched, err := s.parser.Parse(ps.CronSpec())
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
