package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowcore/internal/eventbus"
	"flowcore/internal/runtime/supervisor"
	"flowcore/pkg/logx"
)

const eventSource = "resource"

type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	Adaptive    bool

	Thresholds   Thresholds
	WarningRatio float64
	// HysteresisMargin is in percentage points; negative disables it.
	HysteresisMargin float64

	HistorySize int
	DiskPath    string

	// ShutdownAfterCritical publishes a shutdown candidate after this many
	// consecutive samples with any resource critical. 0 disables it.
	ShutdownAfterCritical int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 60 * time.Second
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	c.Interval = min(max(c.Interval, c.MinInterval), c.MaxInterval)
	if c.Thresholds.CPU <= 0 {
		c.Thresholds.CPU = 90
	}
	if c.Thresholds.Memory <= 0 {
		c.Thresholds.Memory = 85
	}
	if c.Thresholds.Disk <= 0 {
		c.Thresholds.Disk = 90
	}
	if c.WarningRatio <= 0 || c.WarningRatio >= 1 {
		c.WarningRatio = 0.8
	}
	if c.HysteresisMargin < 0 {
		c.HysteresisMargin = 0
	} else if c.HysteresisMargin == 0 {
		c.HysteresisMargin = 5
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 360
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	return c
}

type Option func(*Monitor)

// WithSampler replaces the OS sampler.
func WithSampler(s Sampler) Option { return func(m *Monitor) { m.sampler = s } }

type callbackEntry struct {
	id   int
	kind Kind
	fn   Callback
}

// Monitor samples CPU, memory and disk utilization on its own cadence and
// reports threshold crossings on the bus and to registered callbacks.
type Monitor struct {
	cfg     Config
	bus     *eventbus.Bus
	log     logx.Logger
	sampler Sampler

	mu         sync.Mutex
	thresholds Thresholds
	levels     map[Kind]Level
	history    []Sample
	interval   time.Duration
	streak     int
	callbacks  []callbackEntry
	nextCB     int
	lastSample Sample

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, bus *eventbus.Bus, log logx.Logger, opts ...Option) (*Monitor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:        cfg,
		bus:        bus,
		log:        log,
		thresholds: cfg.Thresholds,
		levels:     map[Kind]Level{CPU: Normal, Memory: Normal, Disk: Normal},
		interval:   cfg.Interval,
	}
	for _, o := range opts {
		o(m)
	}
	if m.sampler == nil {
		s, err := NewSystemSampler()
		if err != nil {
			return nil, err
		}
		m.sampler = s
	}
	return m, nil
}

// Start begins the sampling loop. The first sample is taken immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return nil
	}
	m.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(m.log))
	m.sup.GoRestart("resource.loop", m.loop,
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)
	m.log.Info("resource monitor started",
		logx.Duration("interval", m.cfg.Interval),
		logx.Bool("adaptive", m.cfg.Adaptive),
		logx.Any("thresholds", m.cfg.Thresholds),
	)
	return nil
}

// Stop returns only after the sampling loop has exited (or ctx expires).
func (m *Monitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	m.runMu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	m.log.Info("resource monitor stopped")
	return err
}

func (m *Monitor) loop(ctx context.Context) error {
	for {
		s := m.Sample(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.evaluate(ctx, s)

		t := time.NewTimer(m.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Sample takes one reading of every resource and appends it to history.
// A failed reading is logged and marked unknown.
func (m *Monitor) Sample(ctx context.Context) Sample {
	s := Sample{Time: time.Now()}
	read := func(k Kind, f func() (float64, error)) float64 {
		v, err := f()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("resource sample failed", logx.String("resource", string(k)), logx.Err(err))
			}
			s.Failed = append(s.Failed, k)
			return 0
		}
		return v
	}
	cpu := func() (float64, error) { return m.sampler.CPUPercent(ctx) }
	mem := func() (float64, error) { return m.sampler.MemoryPercent(ctx) }
	disk := func() (float64, error) { return m.sampler.DiskPercent(ctx, m.cfg.DiskPath) }
	if sn, ok := m.sampler.(snapshotter); ok {
		c, mm, d, err := sn.snapshot(ctx, m.cfg.DiskPath)
		cpu = func() (float64, error) { return c, err }
		mem = func() (float64, error) { return mm, err }
		disk = func() (float64, error) { return d, err }
	}
	s.CPU = read(CPU, cpu)
	s.Memory = read(Memory, mem)
	s.Disk = read(Disk, disk)

	m.mu.Lock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = m.history[over:]
	}
	m.lastSample = s
	m.mu.Unlock()

	m.log.Trace("resource sample", logx.Float64("cpu", s.CPU), logx.Float64("memory", s.Memory), logx.Float64("disk", s.Disk))
	return s
}

// evaluate applies hysteresis to s, then reports transitions outside the lock.
func (m *Monitor) evaluate(ctx context.Context, s Sample) {
	var transitions []Transition
	var callbacks []callbackEntry
	shutdown := false

	m.mu.Lock()
	th := m.thresholds
	anyElevated, anyCritical := false, false
	for _, k := range Kinds {
		cur := m.levels[k]
		if v, ok := s.Value(k); ok {
			crit := th.For(k)
			next := nextLevel(cur, v, crit*m.cfg.WarningRatio, crit, m.cfg.HysteresisMargin)
			if next != cur {
				transitions = append(transitions, Transition{Kind: k, From: cur, To: next, Value: v, Threshold: crit, Time: s.Time})
				m.levels[k] = next
				cur = next
			}
		}
		anyElevated = anyElevated || cur != Normal
		anyCritical = anyCritical || cur == Critical
	}

	if anyCritical {
		m.streak++
	} else {
		m.streak = 0
	}
	if n := m.cfg.ShutdownAfterCritical; n > 0 && m.streak == n {
		shutdown = true
	}

	if m.cfg.Adaptive {
		prev := m.interval
		if anyElevated {
			m.interval = max(m.cfg.MinInterval, m.interval/2)
		} else {
			m.interval = min(m.cfg.MaxInterval, m.interval+m.interval/2)
		}
		if m.interval != prev {
			m.log.Debug("sampling interval adapted", logx.Duration("from", prev), logx.Duration("to", m.interval))
		}
	}
	if len(transitions) > 0 {
		callbacks = append(callbacks, m.callbacks...)
	}
	m.mu.Unlock()

	for _, tr := range transitions {
		m.report(ctx, tr, callbacks)
	}
	if shutdown {
		m.log.Warn("resources critical for too long; requesting shutdown", logx.Int("samples", m.cfg.ShutdownAfterCritical))
		m.publish(ctx, eventbus.NewEvent(eventbus.SystemShutdown, eventSource, map[string]any{
			"reason":  "resource",
			"samples": m.cfg.ShutdownAfterCritical,
		}))
	}
}

func (m *Monitor) report(ctx context.Context, tr Transition, callbacks []callbackEntry) {
	typ := eventbus.ResourceWarning
	switch tr.To {
	case Critical:
		typ = eventbus.ResourceCritical
		m.log.Error("resource critical", logx.String("resource", string(tr.Kind)), logx.Float64("value", tr.Value), logx.Float64("threshold", tr.Threshold))
	case Normal:
		typ = eventbus.ResourceRecovered
		m.log.Info("resource recovered", logx.String("resource", string(tr.Kind)), logx.Float64("value", tr.Value))
	default:
		m.log.Warn("resource warning", logx.String("resource", string(tr.Kind)), logx.Float64("value", tr.Value), logx.String("from", tr.From.String()))
	}

	m.publish(ctx, eventbus.NewEvent(typ, eventSource, map[string]any{
		"resource":  string(tr.Kind),
		"level":     tr.To.String(),
		"previous":  tr.From.String(),
		"value":     tr.Value,
		"threshold": tr.Threshold,
		"recovered": tr.Recovered(),
	}))

	for _, cb := range callbacks {
		if cb.kind != All && cb.kind != tr.Kind {
			continue
		}
		m.invoke(cb, tr)
	}
}

func (m *Monitor) invoke(cb callbackEntry, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("resource callback panicked", logx.Int("callback", cb.id), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	cb.fn(tr)
}

func (m *Monitor) publish(ctx context.Context, e eventbus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.WithoutCancel(ctx), e); err != nil {
		m.log.Debug("resource event not published", logx.String("type", string(e.Type)), logx.Err(err))
	}
}

// SetThresholds replaces the critical thresholds. Warning thresholds follow
// from the configured ratio.
func (m *Monitor) SetThresholds(cpu, memory, disk float64) error {
	th := Thresholds{CPU: cpu, Memory: memory, Disk: disk}
	if err := th.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.thresholds = th
	m.mu.Unlock()
	m.log.Info("resource thresholds updated", logx.Any("thresholds", th))
	return nil
}

func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// RegisterCallback registers fn for transitions of kind (or All) and returns
// an id for UnregisterCallback.
func (m *Monitor) RegisterCallback(kind Kind, fn Callback) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("resource: nil callback")
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCB++
	m.callbacks = append(m.callbacks, callbackEntry{id: m.nextCB, kind: kind, fn: fn})
	return m.nextCB, nil
}

func (m *Monitor) UnregisterCallback(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cb := range m.callbacks {
		if cb.id == id {
			m.callbacks = append(m.callbacks[:i:i], m.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// History returns up to limit most recent samples, oldest first. When kind is
// set, samples where that resource was unknown are skipped.
func (m *Monitor) History(kind Kind, limit int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, len(m.history))
	for _, s := range m.history {
		if kind != "" && kind != All {
			if _, ok := s.Value(kind); !ok {
				continue
			}
		}
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Latest returns the most recent sample and whether one exists.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSample, !m.lastSample.Time.IsZero()
}

func (m *Monitor) State(kind Kind) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[kind]
}

// Interval is the current sampling period (varies in adaptive mode).
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// OptimalWorkerCount applies the package function with the current thresholds.
func (m *Monitor) OptimalWorkerCount(load Load, b Bounds) int {
	return OptimalWorkerCount(load, b, m.Thresholds())
}

// Recommend sizes a pool from the latest sample. It satisfies the pool's
// autoscale advisor contract.
func (m *Monitor) Recommend(queued, busy, minSize, maxSize int) int {
	load := Load{Pending: queued, Active: busy}
	if s, ok := m.Latest(); ok {
		if v, ok := s.Value(CPU); ok {
			load.CPU = v
		}
		if v, ok := s.Value(Memory); ok {
			load.Memory = v
		}
	}
	return m.OptimalWorkerCount(load, Bounds{Min: minSize, Max: maxSize})
}
