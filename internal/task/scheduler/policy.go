package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PolicyKind describes which due-time rule a task follows.
type PolicyKind int

const (
	PolicyNone PolicyKind = iota
	PolicyInterval
	PolicyDaily
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyInterval:
		return "interval"
	case PolicyDaily:
		return "daily"
	default:
		return "none"
	}
}

// TimeOfDay is a wall-clock threshold (seconds are always zero).
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrBadTimeOfDay, t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrBadTimeOfDay, t.Minute)
	}
	return nil
}

// on returns the threshold instant on now's calendar date.
func (t TimeOfDay) on(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
}

// Policy selects when a task is due.
//
// Set Every for an interval task or Daily for a daily task. When both are
// set, Every wins. The zero Policy is inert.
type Policy struct {
	Every time.Duration
	Daily *TimeOfDay

	// raw keeps the unparsed daily input so a parse failure surfaces
	// at task construction instead of every sweep.
	raw    string
	rawErr error
}

// Interval returns a policy that fires every d since the last successful run.
func Interval(d time.Duration) Policy { return Policy{Every: d} }

// DailyAt returns a policy that fires once per calendar day at or after hour:minute.
func DailyAt(hour, minute int) Policy {
	return Policy{Daily: &TimeOfDay{Hour: hour, Minute: minute}}
}

// Daily parses "HH:MM". A malformed value yields a policy that never fires;
// the error is reported by Validate.
func Daily(hhmm string) Policy {
	tod, err := ParseTimeOfDay(hhmm)
	if err != nil {
		return Policy{raw: hhmm, rawErr: err}
	}
	return Policy{Daily: &tod}
}

func (p Policy) Kind() PolicyKind {
	switch {
	case p.Every != 0:
		return PolicyInterval
	case p.Daily != nil || p.rawErr != nil:
		return PolicyDaily
	default:
		return PolicyNone
	}
}

// Validate checks the effective policy. A zero policy is valid (inert).
func (p Policy) Validate() error {
	switch p.Kind() {
	case PolicyInterval:
		if p.Every < 0 {
			return &PolicyError{Input: p.Every.String(), Err: ErrBadInterval}
		}
		return nil
	case PolicyDaily:
		if p.rawErr != nil {
			return &PolicyError{Input: p.raw, Err: p.rawErr}
		}
		if err := p.Daily.validate(); err != nil {
			return &PolicyError{Input: p.Daily.String(), Err: err}
		}
		return nil
	default:
		return nil
	}
}

func (p Policy) String() string {
	switch p.Kind() {
	case PolicyInterval:
		return "every " + p.Every.String()
	case PolicyDaily:
		if p.Daily == nil {
			return "daily " + p.raw
		}
		return "daily " + p.Daily.String()
	default:
		return "none"
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q, expected HH:MM", ErrBadTimeOfDay, s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	tod := TimeOfDay{Hour: h, Minute: mm}
	if err := tod.validate(); err != nil {
		return TimeOfDay{}, err
	}
	return tod, nil
}

// ParsePolicy builds a policy from the config form: every is a Go duration
// ("30s", "5m"), at is "HH:MM". Either may be empty; every wins when both
// are set, matching Policy.
func ParsePolicy(every, at string) (Policy, error) {
	every = strings.TrimSpace(every)
	at = strings.TrimSpace(at)
	if every != "" {
		d, err := time.ParseDuration(every)
		if err != nil {
			return Policy{}, &PolicyError{Input: every, Err: err}
		}
		if d <= 0 {
			return Policy{}, &PolicyError{Input: every, Err: ErrBadInterval}
		}
		return Interval(d), nil
	}
	if at != "" {
		tod, err := ParseTimeOfDay(at)
		if err != nil {
			return Policy{}, &PolicyError{Input: at, Err: err}
		}
		return Policy{Daily: &tod}, nil
	}
	return Policy{}, &PolicyError{Err: ErrNoPolicy}
}
