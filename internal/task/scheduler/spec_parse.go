package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind describes the normalized kind of a recurring schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
	ScheduleDaily
)

func (k ScheduleKind) String() string {
	switch k {
	case ScheduleCron:
		return "cron"
	case ScheduleInterval:
		return "interval"
	case ScheduleDaily:
		return "daily"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParsedSchedule is a parsed recurring schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 * * * *" (with seconds), "@hourly", "@every 55m"
//   - Interval: "55m", "2h30m", "every:90s"
//   - Daily: "02:30" or "daily:02:30" (scheduler timezone)
//
// "cron:" forces cron parsing.
type ParsedSchedule struct {
	Kind  ScheduleKind
	Cron  string
	Every time.Duration
	Hour  int
	Min   int
}

// CronSpec renders daily schedules as a cron expression. Interval schedules
// are returned in "@every" form.
func (p ParsedSchedule) CronSpec() string {
	switch p.Kind {
	case ScheduleInterval:
		return "@every " + p.Every.String()
	case ScheduleDaily:
		return fmt.Sprintf("%d %d * * *", p.Min, p.Hour)
	default:
		return p.Cron
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseSchedule parses a recurring schedule string.
func ParseSchedule(raw string) (ParsedSchedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSchedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSchedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSchedule{Kind: ScheduleCron, Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "daily:"):
		return parseDaily(s[len("daily:"):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSchedule{Kind: ScheduleCron, Cron: s}, nil
	}
	if reHHMM.MatchString(s) {
		return parseDaily(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}
	return ParsedSchedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseEvery(v string) (ParsedSchedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSchedule{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSchedule{}, fmt.Errorf("invalid interval %q (use a Go duration like '55m' or '2h30m')", v)
	}
	if d <= 0 {
		return ParsedSchedule{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSchedule{Kind: ScheduleInterval, Every: d}, nil
}

func parseDaily(v string) (ParsedSchedule, error) {
	h, m, err := parseHHMM(v)
	if err != nil {
		return ParsedSchedule{}, err
	}
	return ParsedSchedule{Kind: ScheduleDaily, Hour: h, Min: m}, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
