package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CadenceKind describes the normalized kind of a cycle cadence.
//
// Either a cron expression (robfig/cron) or a fixed interval.
type CadenceKind int

const (
	CadenceInterval CadenceKind = iota
	CadenceCron
)

// Cadence decides when the next control cycle starts.
//
// Supported forms:
//   - Interval duration: "60s", "2m30s"
//   - Cron (5 or 6 fields): "*/2 * * * *", "0 */5 * * * *", "@hourly", "@every 1m"
//
// Optional prefixes "cron:" and "every:" force the interpretation.
type Cadence struct {
	Kind   CadenceKind
	Every  time.Duration
	Cron   string
	Source string // "duration" | "cron"

	sched cron.Schedule
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every returns an interval cadence.
func Every(d time.Duration) Cadence {
	return Cadence{Kind: CadenceInterval, Every: d, Source: "duration"}
}

// ParseCadence parses a cadence string.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Cadence{}, fmt.Errorf("cadence required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	default:
		return parseInterval(s)
	}
}

func parseInterval(v string) (Cadence, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cadence %q (use a duration like '60s' or cron like '*/2 * * * *')", v)
	}
	if d <= 0 {
		return Cadence{}, fmt.Errorf("cadence interval must be > 0")
	}
	return Every(d), nil
}

func parseCron(expr string) (Cadence, error) {
	if expr == "" {
		return Cadence{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Cadence{Kind: CadenceCron, Cron: expr, Source: "cron", sched: sched}, nil
}

// Next returns the start of the cycle following one that started at t.
func (c Cadence) Next(t time.Time) time.Time {
	if c.Kind == CadenceCron && c.sched != nil {
		return c.sched.Next(t)
	}
	return t.Add(c.Every)
}

func (c Cadence) String() string {
	if c.Kind == CadenceCron {
		return c.Cron
	}
	return c.Every.String()
}
