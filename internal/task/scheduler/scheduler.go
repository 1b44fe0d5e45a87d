package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"flowcore/internal/eventbus"
	"flowcore/internal/runtime/supervisor"
	"flowcore/internal/task/pool"
	"flowcore/pkg/logx"
)

const eventSource = "scheduler"

type task struct {
	spec Spec
	seq  uint64

	status     Status
	requested  bool
	unmet      int
	dependents []string

	attempts  int
	retries   int
	retrying  bool
	nextRetry time.Time

	// gen invalidates in-flight attempts and armed retry timers.
	gen        uint64
	heapIdx    int
	dispatched bool
	poolHandle *pool.Handle
	cancel     context.CancelFunc
	cancelReq  bool
	retryTimer *time.Timer

	result  any
	err     error
	lastErr error

	created    time.Time
	firstStart time.Time
	started    time.Time
	ended      time.Time

	done chan struct{}
}

// finished reports whether t reached a final state. A Failed task with an
// armed retry is still live.
func (t *task) finished() bool { return t.status.Terminal() && !t.retrying }

type outItem struct {
	ev    eventbus.Event
	after func()
}

// Scheduler owns the task graph, the ready queue and the status index. All
// bookkeeping runs under mu; task bodies run in the pool and events are
// published after mu is released, in the order transitions happened.
type Scheduler struct {
	cfg  Config
	bus  *eventbus.Bus
	pool *pool.Pool
	log  logx.Logger
	loc  *time.Location

	mu       sync.Mutex
	tasks    map[string]*task
	seq      uint64
	ready    readyHeap
	byStatus map[Status]map[string]*task
	byTag    map[string]map[string]*task
	byGroup  map[string]map[string]*task
	inflight int
	live     int
	started  bool
	stopping bool
	drained  chan struct{}

	eligibleLive      int
	eligibleCompleted int
	shutdownSent      bool
	idleSince         time.Time
	idleSent          bool

	outbox  []outItem
	flushMu sync.Mutex

	kickCh chan struct{}
	sup    *supervisor.Supervisor

	cron      *cron.Cron
	parser    cron.Parser
	recurring map[string]*recurring

	registered, completed, failed, cancelled, purged uint64
	attemptsTotal, retriesTotal                      uint64
	latencyTotal                                     time.Duration
	recurringFired, recurringSkipped                 uint64
}

func New(cfg Config, bus *eventbus.Bus, p *pool.Pool, log logx.Logger) (*Scheduler, error) {
	if p == nil {
		return nil, errors.New("scheduler: pool required")
	}
	cfg = cfg.withDefaults()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: timezone %q: %w", tz, err)
		}
		loc = l
	}
	s := &Scheduler{
		cfg:       cfg,
		bus:       bus,
		pool:      p,
		log:       log,
		loc:       loc,
		tasks:     map[string]*task{},
		byStatus:  map[Status]map[string]*task{},
		byTag:     map[string]map[string]*task{},
		byGroup:   map[string]map[string]*task{},
		kickCh:    make(chan struct{}, 1),
		recurring: map[string]*recurring{},
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	return s, nil
}

func (s *Scheduler) Config() Config { return s.cfg }

// Start launches the dispatcher, the janitor and recurring triggers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopping {
		s.mu.Unlock()
		return
	}
	s.started = true
	if s.live == 0 {
		s.idleSince = time.Now()
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	nRecurring := len(s.recurring)
	s.mu.Unlock()

	sup.GoRestart("scheduler.dispatch", s.dispatchLoop, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	sup.GoRestart("scheduler.janitor", s.janitorLoop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	s.cron.Start()
	s.kick()

	s.log.Info("scheduler started",
		logx.Int("recurring", nRecurring),
		logx.Duration("retention", s.cfg.Retention),
		logx.Bool("auto_shutdown", s.cfg.AutoShutdown.Enabled),
		logx.String("tz", s.loc.String()),
	)
}

// Stop halts dispatching and recurring triggers, then waits for in-flight
// attempts to finish. When ctx ends first, running task bodies are cancelled
// through their contexts and ctx's error is returned. Queued tasks stay in
// their current state.
func (s *Scheduler) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if !s.started || s.stopping {
		s.stopping = true
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	if s.inflight > 0 {
		s.drained = make(chan struct{})
	}
	drained := s.drained
	for _, t := range s.tasks {
		if t.retryTimer != nil {
			t.retryTimer.Stop()
			t.retryTimer = nil
		}
	}
	sup := s.sup
	s.mu.Unlock()

	s.log.Info("stop requested")
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	sup.Cancel()

	var err error
	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
			s.cancelRunning()
		}
	}
	if werr := sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	s.flush()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

func (s *Scheduler) cancelRunning() {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, t := range s.byStatus[Running] {
		t.cancelReq = true
		if t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *Scheduler) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Register adds one task. The task stays Pending until Execute requests it.
func (s *Scheduler) Register(spec Spec) (string, error) {
	ids, err := s.RegisterAll(spec)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// RegisterAll registers specs atomically: dependencies may point at other
// specs in the same call, and on any error (including a cycle) nothing is
// added. Ids are returned in input order.
func (s *Scheduler) RegisterAll(specs ...Spec) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrSchedulerStopped
	}
	normalized, ordered, err := s.normalizeLocked(specs)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("registration rejected", logx.Int("tasks", len(specs)), logx.Err(err))
		return nil, err
	}
	now := time.Now()
	for _, sp := range ordered {
		s.addLocked(sp, now)
	}
	s.mu.Unlock()
	s.flush()

	ids := make([]string, len(normalized))
	for i, sp := range normalized {
		ids[i] = sp.ID
	}
	return ids, nil
}

func (s *Scheduler) addLocked(sp Spec, now time.Time) {
	s.seq++
	t := &task{
		spec:    sp,
		seq:     s.seq,
		status:  Pending,
		heapIdx: -1,
		created: now,
		done:    make(chan struct{}),
	}
	s.tasks[sp.ID] = t
	s.indexLocked(t)
	s.live++
	s.registered++
	s.idleSince = time.Time{}
	s.idleSent = false
	if sp.AutoShutdown {
		s.eligibleLive++
		s.shutdownSent = false
	}

	var failedDep *task
	for _, d := range sp.Deps {
		dt := s.tasks[d]
		dt.dependents = append(dt.dependents, sp.ID)
		switch {
		case dt.status == Completed:
		case dt.finished():
			if failedDep == nil {
				failedDep = dt
			}
		default:
			t.unmet++
		}
	}

	s.emitLocked(eventbus.TaskRegistered, t, map[string]any{
		"deps":  slices.Clone(sp.Deps),
		"tags":  slices.Clone(sp.Tags),
		"group": sp.Group,
	})
	s.log.Debug("task registered",
		logx.String("task", sp.ID),
		logx.String("name", sp.Name),
		logx.String("priority", sp.Priority.String()),
		logx.Strings("deps", sp.Deps),
		logx.Int("max_retries", sp.MaxRetries),
		logx.Duration("timeout", sp.Timeout),
	)

	if failedDep != nil {
		root := failedDep.spec.ID
		var de *TaskDependencyError
		if errors.As(failedDep.err, &de) {
			root = de.Root
		}
		s.terminateLocked(t, Failed, &TaskDependencyError{
			Task:       sp.ID,
			Dependency: failedDep.spec.ID,
			Root:       root,
			RootStatus: s.rootStatusLocked(root, failedDep.status),
		}, now, nil)
		s.propagateLocked(t, now)
	}
}

func (s *Scheduler) rootStatusLocked(root string, fallback Status) Status {
	if rt, ok := s.tasks[root]; ok && rt.status.Terminal() {
		return rt.status
	}
	return fallback
}
