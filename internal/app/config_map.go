package app

import (
	"strings"
	"time"

	"flowcore/internal/config"
	"flowcore/internal/eventbus"
	"flowcore/internal/observability/diag"
	"flowcore/internal/resource"
	"flowcore/internal/storage"
	"flowcore/internal/task/pool"
	"flowcore/internal/task/scheduler"
	"flowcore/pkg/logx"
)

// Durations are validated by config.Validate before they reach these
// mappers; the errors are still propagated for callers that skip it.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			Path:       l.Alert.Path,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapBusConfig(cfg *config.Config) (eventbus.Config, error) {
	b := cfg.EventBus
	maxAge, err := config.ParseSignedDuration("eventbus.history_max_age", b.HistoryMaxAge)
	if err != nil {
		return eventbus.Config{}, err
	}
	handlerTO, err := config.ParseDurationField("eventbus.handler_timeout", b.HandlerTimeout)
	if err != nil {
		return eventbus.Config{}, err
	}
	publishTO, err := config.ParseDurationField("eventbus.publish_timeout", b.PublishTimeout)
	if err != nil {
		return eventbus.Config{}, err
	}
	return eventbus.Config{
		HistorySize:      b.HistorySize,
		HistoryMaxAge:    maxAge,
		HandlerTimeout:   handlerTO,
		PublishTimeout:   publishTO,
		FailureThreshold: b.FailureThreshold,
		AsyncQueueSize:   b.AsyncQueueSize,
		PropagateErrors:  b.PropagateErrors,
	}, nil
}

func mapResourceConfig(cfg *config.Config) (resource.Config, bool, error) {
	r := cfg.Resource
	if !r.Enabled {
		return resource.Config{}, false, nil
	}
	interval, err := config.ParseDurationField("resource.interval", r.Interval)
	if err != nil {
		return resource.Config{}, false, err
	}
	lo, err := config.ParseDurationField("resource.min_interval", r.MinInterval)
	if err != nil {
		return resource.Config{}, false, err
	}
	hi, err := config.ParseDurationField("resource.max_interval", r.MaxInterval)
	if err != nil {
		return resource.Config{}, false, err
	}
	return resource.Config{
		Interval:    interval,
		MinInterval: lo,
		MaxInterval: hi,
		Adaptive:    r.Adaptive,
		Thresholds: resource.Thresholds{
			CPU:    r.CPUThreshold,
			Memory: r.MemoryThreshold,
			Disk:   r.DiskThreshold,
		},
		WarningRatio:          r.WarningRatio,
		HysteresisMargin:      r.HysteresisMargin,
		HistorySize:           r.HistorySize,
		DiskPath:              r.DiskPath,
		ShutdownAfterCritical: r.ShutdownAfterCritical,
	}, true, nil
}

// poolSettings carries what pool.Config does not: autoscale is started by
// the app once the monitor runs.
type poolSettings struct {
	pool.Config
	Autoscale         bool
	AutoscaleInterval time.Duration
}

func mapPoolConfig(cfg *config.Config) (poolSettings, error) {
	p := cfg.Pool
	cooldown, err := config.ParseDurationField("pool.resize_cooldown", p.ResizeCooldown)
	if err != nil {
		return poolSettings{}, err
	}
	every, err := config.ParseDurationOrDefault("pool.autoscale_interval", p.AutoscaleInterval, 2*time.Second)
	if err != nil {
		return poolSettings{}, err
	}
	return poolSettings{
		Config: pool.Config{
			Name:           "pool",
			MinWorkers:     p.MinWorkers,
			MaxWorkers:     p.MaxWorkers,
			InitialWorkers: p.InitialWorkers,
			MaxBacklog:     p.MaxBacklog,
			ResizeCooldown: cooldown,
		},
		Autoscale:         p.Autoscale,
		AutoscaleInterval: every,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	var (
		out scheduler.Config
		err error
	)
	out.DefaultMaxRetries = s.DefaultMaxRetries
	out.Timezone = strings.TrimSpace(s.Timezone)
	out.AutoShutdown.Enabled = s.AutoShutdown.Enabled
	out.DefaultBackoff.Multiplier = s.BackoffMultiplier
	out.DefaultBackoff.Jitter = s.BackoffJitter

	fields := []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"scheduler.backoff_base", s.BackoffBase, &out.DefaultBackoff.Base},
		{"scheduler.backoff_max", s.BackoffMax, &out.DefaultBackoff.Max},
		{"scheduler.default_timeout", s.DefaultTimeout, &out.DefaultTimeout},
		{"scheduler.janitor_interval", s.JanitorInterval, &out.JanitorInterval},
		{"scheduler.dispatch_interval", s.DispatchInterval, &out.DispatchInterval},
		{"scheduler.auto_shutdown.idle_timeout", s.AutoShutdown.IdleTimeout, &out.AutoShutdown.IdleTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return scheduler.Config{}, err
		}
	}
	if out.Retention, err = config.ParseSignedDuration("scheduler.retention", s.Retention); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// storageSettings pairs the backend config with journal options.
type storageSettings struct {
	storage.Config
	Journal storage.JournalConfig
}

func mapStorageConfig(cfg *config.Config) (storageSettings, bool, error) {
	if cfg.Storage == nil {
		return storageSettings{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storageSettings{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storageSettings{}, false, err
	}
	return storageSettings{
		Config: storage.Config{
			Driver:      driver,
			Path:        strings.TrimSpace(sc.Path),
			DSN:         strings.TrimSpace(sc.DSN),
			BusyTimeout: busy,
		},
		Journal: storage.JournalConfig{
			Types:        sc.Types,
			WritesPerSec: float64(sc.WritesPerSec),
		},
	}, true, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, bool, error) {
	d := cfg.Diagnostics
	if !d.Enabled {
		return diag.Config{}, false, nil
	}
	readTO, err := config.ParseDurationOrDefault("diagnostics.read_timeout", d.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, false, err
	}
	writeTO, err := config.ParseDurationField("diagnostics.write_timeout", d.WriteTimeout)
	if err != nil {
		return diag.Config{}, false, err
	}
	idleTO, err := config.ParseDurationOrDefault("diagnostics.idle_timeout", d.IdleTimeout, 120*time.Second)
	if err != nil {
		return diag.Config{}, false, err
	}
	return diag.Config{
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		Pprof:                d.Pprof,
		PprofPrefix:          d.PprofPrefix,
		ReadTimeout:          readTO,
		WriteTimeout:         writeTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, true, nil
}
