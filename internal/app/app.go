package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"flowcore/internal/config"
	"flowcore/internal/eventbus"
	"flowcore/internal/observability/diag"
	"flowcore/internal/observability/metrics"
	"flowcore/internal/resource"
	"flowcore/internal/runtime/supervisor"
	"flowcore/internal/storage"
	"flowcore/internal/task/pool"
	"flowcore/internal/task/scheduler"
	"flowcore/pkg/logx"
)

const eventSource = "app"

// ShutdownCandidate is the first system.shutdown event seen after Start.
type ShutdownCandidate struct {
	Reason string
	Source string
	Event  eventbus.Event
}

type Option func(*options)

type options struct {
	resourceOpts []resource.Option
	logger       *logx.Logger
}

// WithResourceOptions passes options to the resource monitor (e.g. a fake
// sampler).
func WithResourceOptions(opts ...resource.Option) Option {
	return func(o *options) { o.resourceOpts = append(o.resourceOpts, opts...) }
}

// WithLogger skips the logging service and logs through l instead.
func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// App owns every component of one flowcore process.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	sd   *sdNotifier

	bus     *eventbus.Bus
	monitor *resource.Monitor
	pool    *pool.Pool
	poolSet poolSettings
	sched   *scheduler.Scheduler

	store   storage.Store
	journal *storage.Journal

	reg  *prometheus.Registry
	diag *diag.Server

	sup        *supervisor.Supervisor
	candidates chan ShutdownCandidate
	candOnce   sync.Once
	stopOnce   sync.Once
}

// New builds every component from the manager's current config. Nothing
// runs until Start.
func New(ctx context.Context, cfgm *config.Manager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	a := &App{cfgm: cfgm, cfg: cfg, candidates: make(chan ShutdownCandidate, 1)}
	if o.logger != nil {
		a.log = *o.logger
	} else {
		a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	}
	log := a.log
	a.log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.sd = newSDNotifier(cfg.Systemd.Notify, cfg.Systemd.Journal, log.With(logx.String("comp", "systemd")))

	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil, err
	}

	busCfg, err := mapBusConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.bus = eventbus.New(busCfg, log.With(logx.String("comp", "eventbus")))

	if rc, enabled, err := mapResourceConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		if a.monitor, err = resource.New(rc, a.bus, log.With(logx.String("comp", "resource")), o.resourceOpts...); err != nil {
			return fail(err)
		}
	}

	if a.poolSet, err = mapPoolConfig(cfg); err != nil {
		return fail(err)
	}
	a.pool = pool.New(a.poolSet.Config, a.bus, log.With(logx.String("comp", "pool")))

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if a.sched, err = scheduler.New(sc, a.bus, a.pool, log.With(logx.String("comp", "scheduler"))); err != nil {
		return fail(err)
	}

	collector := metrics.NewCollector(a.metricSources())
	a.reg = metrics.NewRegistry(collector)

	if ss, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		st, err := storage.Open(openCtx, ss.Config, log.With(logx.String("comp", "storage")))
		cancel()
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
		reqCount, reqDuration := metrics.StoreInstruments(a.reg)
		a.store = storage.NewInstrumentingMiddleware(reqCount, reqDuration, st)
		a.journal = storage.NewJournal(a.store, a.bus, ss.Journal, log.With(logx.String("comp", "journal")))
		a.log.Info("storage enabled", logx.String("driver", ss.Driver))
	}

	if dc, enabled, err := mapDiagConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		a.diag = diag.New(dc, diag.Handlers{
			Gatherer: a.reg,
			Health:   a.health,
			Events:   a.bus.History,
		}, log)
	}

	return a, nil
}

func (a *App) metricSources() metrics.Sources {
	src := metrics.Sources{
		Bus:       a.bus.Stats,
		Pool:      a.pool.Stats,
		Scheduler: a.sched.Metrics,
		Journal: func() storage.JournalStats {
			if a.journal == nil {
				return storage.JournalStats{}
			}
			return a.journal.Stats()
		},
	}
	if a.logs != nil {
		src.AlertsDropped = a.logs.AlertsDropped
	}
	if a.monitor != nil {
		src.Resource = a.monitor.Latest
		src.Levels = a.monitor.State
	}
	return src
}

func (a *App) Bus() *eventbus.Bus { return a.bus }
func (a *App) Pool() *pool.Pool { return a.pool }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Registry() *prometheus.Registry { return a.reg }
func (a *App) Config() *config.Config { return a.cfg }

// Monitor is nil when resource monitoring is disabled.
func (a *App) Monitor() *resource.Monitor { return a.monitor }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// DiagAddr is the bound diagnostics address, empty when disabled.
func (a *App) DiagAddr() string {
	if a.diag == nil {
		return ""
	}
	return a.diag.Addr()
}

// ShutdownCandidates delivers at most one candidate. Acting on it is the
// caller's decision.
func (a *App) ShutdownCandidates() <-chan ShutdownCandidate { return a.candidates }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.bus.Start(runCtx)
	a.watchCandidates()
	if a.journal != nil {
		a.journal.Start(runCtx)
	}

	// Both keep running past Wait, so they get runCtx rather than the
	// group context.
	var g errgroup.Group
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Start(runCtx) })
	}
	if a.diag != nil {
		g.Go(func() error { return a.diag.Start(runCtx) })
	}
	if err := g.Wait(); err != nil {
		a.sup.Cancel()
		return err
	}

	a.pool.Start(runCtx)
	if a.poolSet.Autoscale && a.monitor != nil {
		a.pool.StartAutoscale(pool.WithBacklog(a.monitor, a.sched.Backlog), a.poolSet.AutoscaleInterval)
	}
	a.sched.Start(runCtx)

	a.sup.Go("config.watch", func(ctx context.Context) error {
		// Losing the watcher only disables hot reload.
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
		return nil
	})
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.publish(eventbus.SystemStartup, map[string]any{
		"workers":  a.pool.Size(),
		"resource": a.monitor != nil,
		"storage":  a.store != nil,
	})
	a.sd.Ready()
	a.sd.Status("running")
	a.log.Info("app started",
		logx.Int("workers", a.pool.Size()),
		logx.Bool("resource", a.monitor != nil),
		logx.Bool("storage", a.store != nil),
		logx.String("diag", a.DiagAddr()),
	)
	return nil
}

func (a *App) publish(typ eventbus.EventType, data map[string]any) {
	if err := a.bus.Publish(context.Background(), eventbus.NewEvent(typ, eventSource, data)); err != nil {
		a.log.Debug("publish failed", logx.String("event", string(typ)), logx.Err(err))
	}
}

// watchCandidates forwards the first system.shutdown event. Later ones are
// logged and ignored.
func (a *App) watchCandidates() {
	ch, unsub, _ := a.bus.SubscribeChan(eventbus.SystemShutdown, 8, eventbus.WithSource(eventSource))
	a.sup.Go0("shutdown.candidates", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				c := ShutdownCandidate{Reason: e.String("reason"), Source: e.Source, Event: e}
				accepted := false
				a.candOnce.Do(func() {
					accepted = true
					a.candidates <- c
				})
				if !accepted {
					a.log.Debug("shutdown candidate ignored", logx.String("reason", c.Reason), logx.String("source", c.Source))
					continue
				}
				a.log.Info("shutdown candidate", logx.String("reason", c.Reason), logx.String("source", c.Source))
				a.sd.Journal(journal.PriNotice, "flowcore shutdown candidate", map[string]string{
					"FLOWCORE_REASON": c.Reason,
					"FLOWCORE_SOURCE": c.Source,
				})
			}
		}
	})
}

// reloadLoop applies hot-reloadable sections and reports the rest.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if a.logs != nil && contains(ch.Sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.Strings("sections", ch.RestartRequired))
	}
	a.publish(eventbus.SystemConfigReloaded, map[string]any{
		"sections":         ch.Sections,
		"restart_required": ch.RestartRequired,
	})
	a.sd.Journal(journal.PriInfo, "flowcore config reloaded", map[string]string{
		"FLOWCORE_SECTIONS": strings.Join(ch.Sections, ","),
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (a *App) health() (any, bool) {
	status := map[string]any{
		"bus":       a.bus.Stats(),
		"pool":      a.pool.Stats(),
		"scheduler": a.sched.Metrics(),
	}
	ok := true
	if a.sup != nil {
		snap := a.sup.Snapshot()
		status["supervisor"] = snap
		if snap.FirstError != "" {
			ok = false
		}
	}
	if a.monitor != nil {
		levels := map[string]string{}
		for _, k := range resource.Kinds {
			levels[string(k)] = a.monitor.State(k).String()
		}
		status["resource"] = levels
	}
	if a.journal != nil {
		status["journal"] = a.journal.Stats()
	}
	if ok {
		status["status"] = "ok"
	} else {
		status["status"] = "degraded"
	}
	return status, ok
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest. Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var errs []error
	a.stopOnce.Do(func() {
		errs = a.stop(ctx, reason)
	})
	return errors.Join(errs...)
}

func (a *App) stop(ctx context.Context, reason StopReason) []error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sd.Journal(journal.PriNotice, "flowcore stopping", map[string]string{"FLOWCORE_REASON": string(reason)})

	var (
		mu   sync.Mutex
		errs []error
	)
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
				logx.Err(stepCtx.Err()),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Producers first: no new attempts once the scheduler is down.
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("pool", 5*time.Second, func(c context.Context) error { return a.pool.Shutdown(c, true) })

	step("observers", 3*time.Second, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		if a.monitor != nil {
			g.Go(func() error { return a.monitor.Stop(gctx) })
		}
		if a.diag != nil {
			g.Go(func() error { return a.diag.Stop(gctx) })
		}
		return g.Wait()
	})
	if a.journal != nil {
		step("journal", 3*time.Second, a.journal.Stop)
	}
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("eventbus", 2*time.Second, a.bus.Close)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs
}
