package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"flowcore/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
pool:
  min_workers: 2
  max_workers: 8
scheduler:
  default_max_retries: 3
  backoff_base: 250ms
  retention: -1s
  timezone: UTC
  auto_shutdown:
    enabled: true
    idle_timeout: 5m
storage:
  driver: file
  path: ./journal
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("flowcore.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if cfg.Pool.MaxWorkers != 8 || cfg.Scheduler.AutoShutdown.IdleTimeout != "5m" || cfg.Storage.Driver != "file" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	js := `{"pool":{"min_workers":1,"max_workers":3},"logging":{"level":"info"}}`
	cfg, err = Decode("flowcore.json", []byte(js))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if cfg.Pool.MaxWorkers != 3 || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, path, body string
	}{
		{"unknown yaml key", "c.yaml", "pool:\n  workers: 4\n"},
		{"unknown json key", "c.json", `{"telegram":{}}`},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "pool: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("expected error for %q", tt.body)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"min above max", func(c *Config) { c.Pool.MinWorkers, c.Pool.MaxWorkers = 5, 2 }, "pool.min_workers"},
		{"negative backlog", func(c *Config) { c.Pool.MaxBacklog = -1 }, "pool.max_backlog"},
		{"threshold range", func(c *Config) { c.Resource.CPUThreshold = 140 }, "resource.cpu_threshold"},
		{"interval order", func(c *Config) { c.Resource.MinInterval, c.Resource.MaxInterval = "10s", "1s" }, "resource.min_interval"},
		{"bad duration", func(c *Config) { c.Scheduler.DefaultTimeout = "soon" }, "scheduler.default_timeout"},
		{"negative timeout", func(c *Config) { c.Scheduler.DefaultTimeout = "-1s" }, "scheduler.default_timeout"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Base" }, "scheduler.timezone"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
		{"autoscale without monitor", func(c *Config) { c.Pool.Autoscale = true }, "pool.autoscale"},
		{"sqlite path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"postgres dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"public diag", func(c *Config) { c.Diagnostics = DiagnosticsConfig{Enabled: true, Addr: "0.0.0.0:6060"} }, "diagnostics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.3:6060":  false,
		"garbage":        false,
	} {
		if got := IsLoopbackAddr(addr); got != want {
			t.Fatalf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-2s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseSignedDuration("x", "-1s"); err != nil || d != -time.Second {
		t.Fatalf("signed: %v %v", d, err)
	}
	if _, err := ParseSignedDuration("x", "nope"); err == nil {
		t.Fatal("expected parse error")
	}
}

// Not parallel: mutates the process environment.
func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLOWCORE_POOL_MAX_WORKERS", "16")
	t.Setenv("FLOWCORE_LOG_LEVEL", "warn")
	t.Setenv("FLOWCORE_STORAGE_DRIVER", "postgres")
	t.Setenv("FLOWCORE_STORAGE_DSN", "postgres://flow@localhost/flow")
	t.Setenv("FLOWCORE_AUTO_SHUTDOWN", "false")

	p := writeFile(t, "flowcore.yaml", sampleYAML)
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.MaxWorkers != 16 || cfg.Pool.MinWorkers != 2 {
		t.Fatalf("pool override not applied: %+v", cfg.Pool)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level %q", cfg.Logging.Level)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" || cfg.Storage.Path != "./journal" {
		t.Fatalf("storage override %+v", cfg.Storage)
	}
	if cfg.Scheduler.AutoShutdown.Enabled {
		t.Fatal("auto shutdown should be disabled by env")
	}

	t.Setenv("FLOWCORE_POOL_MIN_WORKERS", "many")
	if _, err := LoadFile(p); err == nil {
		t.Fatal("expected error for malformed env value")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	if ch := SummarizeChange(oldCfg, newCfg); !ch.Empty() {
		t.Fatalf("identical configs reported %v", ch.Sections)
	}

	newCfg.Logging.Level = "info"
	ch := SummarizeChange(oldCfg, newCfg)
	if !slices.Equal(ch.Sections, []string{"logging"}) || len(ch.RestartRequired) != 0 {
		t.Fatalf("logging change: %+v", ch)
	}

	newCfg.Pool.MaxWorkers = 12
	newCfg.Storage.DSN = "postgres://secret"
	ch = SummarizeChange(oldCfg, newCfg)
	if !slices.Equal(ch.Sections, []string{"logging", "pool", "storage"}) {
		t.Fatalf("sections %v", ch.Sections)
	}
	if !slices.Equal(ch.RestartRequired, []string{"pool", "storage"}) {
		t.Fatalf("restart required %v", ch.RestartRequired)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "flowcore.yaml", sampleYAML)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and nothing is published.
	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "max_workers: 8", "max_workers: 1", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Pool)
	case <-time.After(600 * time.Millisecond):
	}
	if m.Get().Pool.MaxWorkers != 8 {
		t.Fatal("rejected edit replaced the current config")
	}

	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "max_workers: 8", "max_workers: 10", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Pool.MaxWorkers != 10 {
			t.Fatalf("published %+v", cfg.Pool)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if m.Get().Pool.MaxWorkers != 10 {
		t.Fatal("reload not committed")
	}
}
