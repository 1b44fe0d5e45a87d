package config

// Config is the on-disk configuration of a flowcore process.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Empty durations
// fall back to the component defaults.
//
// Only the logging section is applied on hot reload. Every other section is
// consumed when components are constructed; a change to it is reported as
// restart required.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	EventBus    EventBusConfig    `json:"eventbus"`
	Resource    ResourceConfig    `json:"resource"`
	Pool        PoolConfig        `json:"pool"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Diagnostics DiagnosticsConfig `json:"diagnostics,omitempty"`
	Systemd     SystemdConfig     `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlert copies warn-and-above lines into a separate JSONL file.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type EventBusConfig struct {
	HistorySize int `json:"history_size,omitempty" validate:"gte=0"`
	// HistoryMaxAge of "-1s" (any negative) disables age pruning.
	HistoryMaxAge    string `json:"history_max_age,omitempty"`
	HandlerTimeout   string `json:"handler_timeout,omitempty"`
	PublishTimeout   string `json:"publish_timeout,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty" validate:"gte=0"`
	AsyncQueueSize   int    `json:"async_queue_size,omitempty" validate:"gte=0"`
	PropagateErrors  bool   `json:"propagate_errors,omitempty"`
}

type ResourceConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
	MaxInterval string `json:"max_interval,omitempty"`
	Adaptive    bool   `json:"adaptive,omitempty"`

	CPUThreshold    float64 `json:"cpu_threshold,omitempty" validate:"gte=0,lte=100"`
	MemoryThreshold float64 `json:"memory_threshold,omitempty" validate:"gte=0,lte=100"`
	DiskThreshold   float64 `json:"disk_threshold,omitempty" validate:"gte=0,lte=100"`
	WarningRatio    float64 `json:"warning_ratio,omitempty" validate:"gte=0,lt=1"`
	// HysteresisMargin is in percentage points; negative disables it.
	HysteresisMargin float64 `json:"hysteresis_margin,omitempty" validate:"lte=50"`

	HistorySize int    `json:"history_size,omitempty" validate:"gte=0"`
	DiskPath    string `json:"disk_path,omitempty"`

	ShutdownAfterCritical int `json:"shutdown_after_critical,omitempty" validate:"gte=0"`
}

type PoolConfig struct {
	MinWorkers     int    `json:"min_workers,omitempty" validate:"gte=0"`
	MaxWorkers     int    `json:"max_workers,omitempty" validate:"gte=0"`
	InitialWorkers int    `json:"initial_workers,omitempty" validate:"gte=0"`
	MaxBacklog     int    `json:"max_backlog,omitempty" validate:"gte=0"`
	ResizeCooldown string `json:"resize_cooldown,omitempty"`
	// Autoscale resizes the pool from resource monitor recommendations.
	// Requires resource.enabled.
	Autoscale         bool   `json:"autoscale,omitempty"`
	AutoscaleInterval string `json:"autoscale_interval,omitempty"`
}

type SchedulerConfig struct {
	DefaultMaxRetries int     `json:"default_max_retries,omitempty" validate:"gte=0"`
	BackoffBase       string  `json:"backoff_base,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" validate:"omitempty,gte=1"`
	BackoffMax        string  `json:"backoff_max,omitempty"`
	BackoffJitter     float64 `json:"backoff_jitter,omitempty" validate:"gte=0,lte=1"`
	DefaultTimeout    string  `json:"default_timeout,omitempty"`
	// Retention of "-1s" (any negative) keeps terminal tasks forever.
	Retention        string `json:"retention,omitempty"`
	JanitorInterval  string `json:"janitor_interval,omitempty"`
	DispatchInterval string `json:"dispatch_interval,omitempty"`
	Timezone         string `json:"timezone,omitempty"`

	AutoShutdown AutoShutdownConfig `json:"auto_shutdown,omitempty"`
}

type AutoShutdownConfig struct {
	Enabled     bool   `json:"enabled"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the event journal backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./flowcore.db" }
type StorageConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3 postgres"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string (do not log).
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// WritesPerSec caps journal appends; 0 means unlimited.
	WritesPerSec int `json:"writes_per_sec,omitempty" validate:"gte=0"`
	// Types limits the journal to these event types; empty records all.
	Types []string `json:"types,omitempty"`
}

// DiagnosticsConfig controls the optional diagnostics HTTP server
// (/healthz, /metrics and /debug/pprof).
//
// Prefer binding to loopback. A non-loopback address needs a token or an
// explicit allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING to the service manager when NOTIFY_SOCKET is set.
	Notify bool `json:"notify,omitempty"`
	// Journal records shutdown candidates and config reloads in the systemd
	// journal when it is available.
	Journal bool `json:"journal,omitempty"`
}
