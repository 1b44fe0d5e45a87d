package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"flowcore/internal/eventbus"
	"flowcore/internal/runtime/supervisor"
	"flowcore/pkg/logx"
)

type slotState struct {
	busy bool
	it   *item
	at   time.Time
}

// Pool bounds how many submitted funcs run at once. Queued work is ordered by
// priority, FIFO within a priority band.
type Pool struct {
	cfg Config
	bus *eventbus.Bus
	log logx.Logger

	mu       sync.Mutex
	queue    itemHeap
	seq      uint64
	target   int
	live     int
	busy     int
	slots    map[int]*slotState
	nextSlot int
	closing  bool
	started  bool

	signal  chan struct{}
	closeCh chan struct{}
	sup     *supervisor.Supervisor

	lastResize atomic.Int64 // unix nanos

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

func New(cfg Config, bus *eventbus.Bus, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		bus:     bus,
		log:     log,
		target:  cfg.InitialWorkers,
		slots:   map[int]*slotState{},
		signal:  make(chan struct{}, cfg.MaxWorkers),
		closeCh: make(chan struct{}),
	}
}

func (p *Pool) Config() Config { return p.cfg }

// Start spins up the initial workers. Work submitted earlier stays queued
// until then.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closing {
		return
	}
	p.started = true
	p.sup = supervisor.NewSupervisor(context.WithoutCancel(ctx), supervisor.WithLogger(p.log))
	p.spawnLocked(p.target)
	p.log.Info("worker pool started",
		logx.Int("workers", p.target),
		logx.Int("min", p.cfg.MinWorkers),
		logx.Int("max", p.cfg.MaxWorkers),
		logx.Int("max_backlog", p.cfg.MaxBacklog),
	)
}

func (p *Pool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		p.nextSlot++
		id := p.nextSlot
		p.slots[id] = &slotState{}
		p.live++
		p.sup.Go0(p.cfg.Name+".worker", func(ctx context.Context) { p.worker(ctx, id) })
	}
}

// kick wakes one idle worker without blocking.
func (p *Pool) kick() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Submit queues fn. It fails with a *PoolCapacityError when the backlog is
// full and with ErrPoolClosed after Shutdown.
func (p *Pool) Submit(fn Func, prio Priority, opts ...SubmitOption) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	it := &item{fn: fn, priority: prio, queuedAt: time.Now(), index: -1}
	for _, o := range opts {
		o(it)
	}
	h := newHandle(p, it)

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.rejected.Add(1)
		return nil, ErrPoolClosed
	}
	if p.cfg.MaxBacklog > 0 && p.queue.Len() >= p.cfg.MaxBacklog {
		n := p.queue.Len()
		p.mu.Unlock()
		p.rejected.Add(1)
		p.log.Warn("submission rejected: backlog full", logx.String("label", it.label), logx.Int("queued", n))
		return nil, &PoolCapacityError{Pool: p.cfg.Name, Backlog: n}
	}
	p.seq++
	it.seq = p.seq
	p.queue.push(it)
	p.mu.Unlock()

	p.submitted.Add(1)
	p.kick()
	return h, nil
}

func (p *Pool) dequeue(it *item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.remove(it)
}

// Resize sets the number of worker slots, clamped to [min, max], and returns
// the applied size. Growing starts workers at once; shrinking retires idle
// workers first and busy ones only after their current work returns.
func (p *Pool) Resize(n int) int {
	return p.resize(n, "manual")
}

func (p *Pool) resize(n int, reason string) int {
	n = min(max(n, p.cfg.MinWorkers), p.cfg.MaxWorkers)

	p.mu.Lock()
	if p.closing {
		cur := p.target
		p.mu.Unlock()
		return cur
	}
	from := p.target
	p.target = n
	if p.started {
		if grow := n - p.live; grow > 0 {
			p.spawnLocked(grow)
		}
	}
	excess := p.live - n
	p.mu.Unlock()

	for i := 0; i < excess; i++ {
		p.kick()
	}
	if from == n {
		return n
	}
	p.lastResize.Store(time.Now().UnixNano())
	p.log.Info("worker pool resized", logx.Int("from", from), logx.Int("to", n), logx.String("reason", reason))
	if p.bus != nil {
		_ = p.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.PoolResized, p.cfg.Name, map[string]any{
			"from":   from,
			"to":     n,
			"reason": reason,
		}))
	}
	return n
}

// Shutdown stops accepting work. With wait, queued and running work is
// drained first; without it, queued work is cancelled and only running work
// is allowed to finish. If ctx ends first, running work is cancelled through
// its context and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context, wait bool) error {
	p.mu.Lock()
	if p.closing {
		sup := p.sup
		p.mu.Unlock()
		if sup == nil {
			return nil
		}
		return sup.Wait(ctx)
	}
	p.closing = true
	var dropped []*item
	if !wait || !p.started {
		dropped = p.queue.drain()
	}
	sup := p.sup
	p.mu.Unlock()
	close(p.closeCh)

	for _, it := range dropped {
		it.h.resolve(nil, ErrCancelled)
		p.cancelled.Add(1)
	}
	p.log.Info("worker pool shutting down", logx.Bool("wait", wait), logx.Int("cancelled", len(dropped)))

	if sup == nil {
		return nil
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		p.log.Warn("worker pool shutdown deadline reached; cancelling running work", logx.Err(err))
		return err
	}
	p.log.Info("worker pool stopped", logx.Uint64("completed", p.completed.Load()), logx.Uint64("failed", p.failed.Load()))
	return nil
}

// Size is the configured number of slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// ActiveCount is the number of live worker slots, including slots that are
// finishing work after a shrink.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// BusyCount is the number of slots currently executing work.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Slots snapshots the slot table ordered by slot id.
func (p *Pool) Slots() []Slot {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Slot, 0, len(p.slots))
	for id := 1; id <= p.nextSlot; id++ {
		st, ok := p.slots[id]
		if !ok {
			continue
		}
		s := Slot{ID: id, Busy: st.busy}
		if st.busy && st.it != nil {
			s.Label = st.it.label
			s.Priority = st.it.priority
			s.StartedAt = st.at
			s.Running = now.Sub(st.at)
			s.Footprint = st.it.footprint
		}
		out = append(out, s)
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{Size: p.target, Active: p.live, Busy: p.busy, Queued: p.queue.Len()}
	p.mu.Unlock()
	st.Submitted = p.submitted.Load()
	st.Completed = p.completed.Load()
	st.Failed = p.failed.Load()
	st.Cancelled = p.cancelled.Load()
	st.Rejected = p.rejected.Load()
	st.Panics = p.panics.Load()
	return st
}
