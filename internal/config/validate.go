package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key, not the Go name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-field rules. The first few
// violations are joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		for _, fe := range ve {
			errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fieldPath(fe), ruleOf(fe), fe.Value()))
		}
	}
	errs = append(errs, crossCheck(cfg)...)
	return errors.Join(errs...)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func ruleOf(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func crossCheck(cfg *Config) []error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		check(err)
		return d
	}
	signed := func(path, raw string) {
		_, err := ParseSignedDuration(path, raw)
		check(err)
	}

	signed("eventbus.history_max_age", cfg.EventBus.HistoryMaxAge)
	dur("eventbus.handler_timeout", cfg.EventBus.HandlerTimeout)
	dur("eventbus.publish_timeout", cfg.EventBus.PublishTimeout)

	r := cfg.Resource
	dur("resource.interval", r.Interval)
	lo := dur("resource.min_interval", r.MinInterval)
	hi := dur("resource.max_interval", r.MaxInterval)
	if lo > 0 && hi > 0 && lo > hi {
		check(fmt.Errorf("resource.min_interval (%s) must be <= resource.max_interval (%s)", lo, hi))
	}

	p := cfg.Pool
	if p.MinWorkers > 0 && p.MaxWorkers > 0 && p.MinWorkers > p.MaxWorkers {
		check(fmt.Errorf("pool.min_workers (%d) must be <= pool.max_workers (%d)", p.MinWorkers, p.MaxWorkers))
	}
	if p.InitialWorkers > 0 && p.MaxWorkers > 0 && p.InitialWorkers > p.MaxWorkers {
		check(fmt.Errorf("pool.initial_workers (%d) must be <= pool.max_workers (%d)", p.InitialWorkers, p.MaxWorkers))
	}
	dur("pool.resize_cooldown", p.ResizeCooldown)
	dur("pool.autoscale_interval", p.AutoscaleInterval)
	if p.Autoscale && !r.Enabled {
		check(errors.New("pool.autoscale requires resource.enabled"))
	}

	s := cfg.Scheduler
	base := dur("scheduler.backoff_base", s.BackoffBase)
	maxB := dur("scheduler.backoff_max", s.BackoffMax)
	if base > 0 && maxB > 0 && base > maxB {
		check(fmt.Errorf("scheduler.backoff_base (%s) must be <= scheduler.backoff_max (%s)", base, maxB))
	}
	dur("scheduler.default_timeout", s.DefaultTimeout)
	signed("scheduler.retention", s.Retention)
	dur("scheduler.janitor_interval", s.JanitorInterval)
	dur("scheduler.dispatch_interval", s.DispatchInterval)
	dur("scheduler.auto_shutdown.idle_timeout", s.AutoShutdown.IdleTimeout)
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if st := cfg.Storage; st != nil {
		dur("storage.busy_timeout", st.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				check(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		case "postgres":
			if strings.TrimSpace(st.DSN) == "" {
				check(errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		}
	}

	d := cfg.Diagnostics
	dur("diagnostics.read_timeout", d.ReadTimeout)
	dur("diagnostics.write_timeout", d.WriteTimeout)
	dur("diagnostics.idle_timeout", d.IdleTimeout)
	if d.Enabled && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure && d.Addr != "" && !IsLoopbackAddr(d.Addr) {
		check(fmt.Errorf("diagnostics.addr %q is not loopback: set diagnostics.token or allow_insecure", d.Addr))
	}
	return errs
}

// IsLoopbackAddr reports whether a host:port listen address only binds
// loopback. An empty host (all interfaces) is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
