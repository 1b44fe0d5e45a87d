package config

import (
	"reflect"
	"sort"
	"strings"

	"flowcore/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
	// Fields are safe to log; secrets are reported as set/unset only.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// hotSections are applied on reload without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !hotSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if o, n := oldCfg.Logging, newCfg.Logging; !reflect.DeepEqual(o, n) {
		mark("logging",
			logx.String("logging.level", n.Level),
			logx.Bool("logging.console", n.Console),
			logx.Bool("logging.file_enabled", n.File.Enabled),
			logx.Bool("logging.alert_enabled", n.Alert.Enabled),
		)
	}
	if o, n := oldCfg.EventBus, newCfg.EventBus; !reflect.DeepEqual(o, n) {
		mark("eventbus",
			logx.Int("eventbus.history_size", n.HistorySize),
			logx.String("eventbus.handler_timeout", n.HandlerTimeout),
			logx.Int("eventbus.failure_threshold", n.FailureThreshold),
		)
	}
	if o, n := oldCfg.Resource, newCfg.Resource; !reflect.DeepEqual(o, n) {
		mark("resource",
			logx.Bool("resource.enabled", n.Enabled),
			logx.String("resource.interval", n.Interval),
			logx.Float64("resource.cpu_threshold", n.CPUThreshold),
			logx.Float64("resource.memory_threshold", n.MemoryThreshold),
			logx.Float64("resource.disk_threshold", n.DiskThreshold),
		)
	}
	if o, n := oldCfg.Pool, newCfg.Pool; !reflect.DeepEqual(o, n) {
		mark("pool",
			logx.Int("pool.min_workers", n.MinWorkers),
			logx.Int("pool.max_workers", n.MaxWorkers),
			logx.Int("pool.max_backlog", n.MaxBacklog),
			logx.Bool("pool.autoscale", n.Autoscale),
		)
	}
	if o, n := oldCfg.Scheduler, newCfg.Scheduler; !reflect.DeepEqual(o, n) {
		mark("scheduler",
			logx.Int("scheduler.default_max_retries", n.DefaultMaxRetries),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
			logx.Bool("scheduler.auto_shutdown", n.AutoShutdown.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}
	if o, n := oldCfg.Diagnostics, newCfg.Diagnostics; !reflect.DeepEqual(o, n) {
		mark("diagnostics",
			logx.Bool("diagnostics.enabled", n.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("diagnostics.pprof", n.Pprof),
			logx.Bool("diagnostics.token_set", strings.TrimSpace(n.Token) != ""),
		)
	}
	if o, n := oldCfg.Systemd, newCfg.Systemd; o != n {
		mark("systemd", logx.Bool("systemd.notify", n.Notify), logx.Bool("systemd.journal", n.Journal))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
