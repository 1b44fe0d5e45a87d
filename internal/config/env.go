package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides, e.g. FLOWCORE_LOG_LEVEL.
const EnvPrefix = "FLOWCORE"

// envOverrides lists the settings operators commonly change per host.
// Pointer fields stay nil when the variable is unset.
type envOverrides struct {
	LogLevel   *string `envconfig:"LOG_LEVEL"`
	LogConsole *bool   `envconfig:"LOG_CONSOLE"`
	LogFile    *string `envconfig:"LOG_FILE"`

	PoolMinWorkers *int  `envconfig:"POOL_MIN_WORKERS"`
	PoolMaxWorkers *int  `envconfig:"POOL_MAX_WORKERS"`
	PoolMaxBacklog *int  `envconfig:"POOL_MAX_BACKLOG"`
	PoolAutoscale  *bool `envconfig:"POOL_AUTOSCALE"`

	ResourceEnabled  *bool    `envconfig:"RESOURCE_ENABLED"`
	ResourceInterval *string  `envconfig:"RESOURCE_INTERVAL"`
	CPUThreshold     *float64 `envconfig:"RESOURCE_CPU_THRESHOLD"`
	MemoryThreshold  *float64 `envconfig:"RESOURCE_MEMORY_THRESHOLD"`
	DiskThreshold    *float64 `envconfig:"RESOURCE_DISK_THRESHOLD"`

	SchedulerTimezone *string `envconfig:"SCHEDULER_TIMEZONE"`
	AutoShutdown      *bool   `envconfig:"AUTO_SHUTDOWN"`
	IdleTimeout       *string `envconfig:"IDLE_TIMEOUT"`

	StorageDriver *string `envconfig:"STORAGE_DRIVER"`
	StoragePath   *string `envconfig:"STORAGE_PATH"`
	StorageDSN    *string `envconfig:"STORAGE_DSN"`

	DiagEnabled *bool   `envconfig:"DIAG_ENABLED"`
	DiagAddr    *string `envconfig:"DIAG_ADDR"`
	DiagToken   *string `envconfig:"DIAG_TOKEN"`
}

// ApplyEnv overlays FLOWCORE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Logging.Console, o.LogConsole)
	if o.LogFile != nil {
		cfg.Logging.File.Path = *o.LogFile
		cfg.Logging.File.Enabled = *o.LogFile != ""
	}

	set(&cfg.Pool.MinWorkers, o.PoolMinWorkers)
	set(&cfg.Pool.MaxWorkers, o.PoolMaxWorkers)
	set(&cfg.Pool.MaxBacklog, o.PoolMaxBacklog)
	set(&cfg.Pool.Autoscale, o.PoolAutoscale)

	set(&cfg.Resource.Enabled, o.ResourceEnabled)
	set(&cfg.Resource.Interval, o.ResourceInterval)
	set(&cfg.Resource.CPUThreshold, o.CPUThreshold)
	set(&cfg.Resource.MemoryThreshold, o.MemoryThreshold)
	set(&cfg.Resource.DiskThreshold, o.DiskThreshold)

	set(&cfg.Scheduler.Timezone, o.SchedulerTimezone)
	set(&cfg.Scheduler.AutoShutdown.Enabled, o.AutoShutdown)
	set(&cfg.Scheduler.AutoShutdown.IdleTimeout, o.IdleTimeout)

	if o.StorageDriver != nil || o.StoragePath != nil || o.StorageDSN != nil {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		set(&cfg.Storage.Driver, o.StorageDriver)
		set(&cfg.Storage.Path, o.StoragePath)
		set(&cfg.Storage.DSN, o.StorageDSN)
	}

	set(&cfg.Diagnostics.Enabled, o.DiagEnabled)
	set(&cfg.Diagnostics.Addr, o.DiagAddr)
	set(&cfg.Diagnostics.Token, o.DiagToken)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
