package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  ScheduleKind
		cron  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: ScheduleCron, cron: "*/5 * * * *"},
		{name: "cron with seconds", raw: "0 30 * * * *", kind: ScheduleCron, cron: "0 30 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: ScheduleCron, cron: "@hourly"},
		{name: "prefixed cron", raw: "cron: 0 0 * * *", kind: ScheduleCron, cron: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: ScheduleInterval, cron: "@every 10m0s", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: ScheduleInterval, cron: "@every 45s", every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: ScheduleDaily, cron: "30 1 * * *"},
		{name: "prefixed daily", raw: "daily: 23:05", kind: ScheduleDaily, cron: "5 23 * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.CronSpec() != tt.cron {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cron)
			}
			if tt.kind == ScheduleInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "every:-5s", "every:0s", "daily:25:00", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: time.Second}
	tests := []struct {
		retry int
		err   error
		want  time.Duration
	}{
		{retry: 0, want: 100 * time.Millisecond},
		{retry: 1, want: 200 * time.Millisecond},
		{retry: 3, want: 800 * time.Millisecond},
		{retry: 4, want: time.Second},
		{retry: 60, want: time.Second},
		{retry: 0, err: RetryAfter(errors.New("busy"), 300*time.Millisecond), want: 300 * time.Millisecond},
		{retry: 0, err: RetryAfter(errors.New("busy"), time.Minute), want: time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.retry, tt.err); got != tt.want {
			t.Fatalf("Delay(%d, %v) = %v, want %v", tt.retry, tt.err, got, tt.want)
		}
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := b.Delay(0, nil)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()
	for _, st := range []Status{Pending, Ready, Running, Completed, Failed, Cancelled} {
		got, err := ParseStatus(st.String())
		if err != nil || got != st {
			t.Fatalf("ParseStatus(%q) = %v, %v", st.String(), got, err)
		}
	}
	if _, err := ParseStatus("bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
