// Package schedule parses cadence strings used by the heartbeat config.
//
// Every cadence ends up as a fixed interval; the ticker quantizes it onto the
// base tick. Calendar-style cron expressions are recognised so they can be
// rejected with a useful message.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a cadence string.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// Spec represents a parsed cadence string.
//
// Supported forms:
//   - Seconds: "10", "0.5"
//   - Go duration: "10s", "1m30s", "250ms"
//   - HH:MM: "00:01" (one minute), "02:30"
//   - Descriptor: "@every 10s" (second granularity)
//   - Cron: "*/5 * * * *", "@hourly" (recognised, not usable as a cadence)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Spec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "seconds" | "duration" | "hhmm" | "every" | "cron"
}

// ErrCalendar is returned by Cadence for cron expressions that have no fixed period.
var ErrCalendar = errors.New("calendar schedules cannot be used as a cadence")

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses raw into either an interval or a cron expression.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr)
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(strings.TrimSpace(s[len("every:"):]))
	}

	// any whitespace or leading '@' => cron parser (which also handles "@every")
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	sp, err := parseIntervalSpec(s)
	if err != nil {
		return Spec{}, fmt.Errorf(
			"invalid schedule %q (use seconds like '10', duration like '10s', HH:MM like '00:01' or '@every 10s')",
			raw,
		)
	}
	return sp, nil
}

// Cadence parses raw as a non-negative interval. Empty input, "0" and a
// zero duration such as "0s" mean disabled and yield 0.
func Cadence(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Seconds(secs)
	}
	// a zero duration disables, like the number 0
	if d, err := time.ParseDuration(s); err == nil && d == 0 {
		return 0, nil
	}
	sp, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if sp.Kind != KindInterval {
		return 0, fmt.Errorf("%q: %w", raw, ErrCalendar)
	}
	return sp.Every, nil
}

// Seconds converts a (possibly fractional) number of seconds to a duration.
func Seconds(v float64) (time.Duration, error) {
	if math.IsNaN(v) || v < 0 {
		return 0, fmt.Errorf("interval must be >= 0")
	}
	if v > float64(1<<62)/float64(time.Second) {
		return 0, fmt.Errorf("interval too large")
	}
	return time.Duration(math.Round(v * float64(time.Second))), nil
}

func parseCron(expr string) (Spec, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		return Spec{Kind: KindInterval, Every: cd.Delay, Source: "every"}, nil
	}
	return Spec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
}

func parseIntervalSpec(v string) (Spec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: KindInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		d, err := Seconds(secs)
		return d, "seconds", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '10s')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
