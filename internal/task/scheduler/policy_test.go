package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParsePolicyVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		every string
		at    string
		kind  PolicyKind
		dur   time.Duration
		tod   TimeOfDay
	}{
		{name: "interval", every: "5s", kind: PolicyInterval, dur: 5 * time.Second},
		{name: "interval minutes", every: " 10m ", kind: PolicyInterval, dur: 10 * time.Minute},
		{name: "daily", at: "08:00", kind: PolicyDaily, tod: TimeOfDay{Hour: 8}},
		{name: "daily single digit hour", at: "7:05", kind: PolicyDaily, tod: TimeOfDay{Hour: 7, Minute: 5}},
		{name: "both set prefers interval", every: "1h", at: "08:00", kind: PolicyInterval, dur: time.Hour},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePolicy(tt.every, tt.at)
			if err != nil {
				t.Fatalf("ParsePolicy(%q, %q) error: %v", tt.every, tt.at, err)
			}
			if got.Kind() != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind(), tt.kind)
			}
			if tt.kind == PolicyInterval && got.Every != tt.dur {
				t.Fatalf("Every = %v, want %v", got.Every, tt.dur)
			}
			if tt.kind == PolicyDaily && *got.Daily != tt.tod {
				t.Fatalf("Daily = %v, want %v", *got.Daily, tt.tod)
			}
		})
	}
}

func TestParsePolicyInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct{ every, at string }{
		{"", ""},
		{"-5s", ""},
		{"0s", ""},
		{"soon", ""},
		{"", "24:00"},
		{"", "12:60"},
		{"", "noon"},
	}
	for _, c := range cases {
		_, err := ParsePolicy(c.every, c.at)
		if err == nil {
			t.Fatalf("ParsePolicy(%q, %q): expected error", c.every, c.at)
		}
		var pe *PolicyError
		if !errors.As(err, &pe) {
			t.Fatalf("ParsePolicy(%q, %q): error %T is not *PolicyError", c.every, c.at, err)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tod, err := ParseTimeOfDay("23:15")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if tod.Hour != 23 || tod.Minute != 15 {
		t.Fatalf("unexpected result: %v", tod)
	}

	if _, err := ParseTimeOfDay("24:00"); !errors.Is(err, ErrBadTimeOfDay) {
		t.Fatalf("expected ErrBadTimeOfDay for invalid hour, got %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()
	if err := DailyAt(25, 0).Validate(); err == nil {
		t.Fatal("expected error for hour 25")
	}
	if err := Daily("8h").Validate(); err == nil {
		t.Fatal("expected error for unparseable daily time")
	}
	if err := Interval(-time.Second).Validate(); !errors.Is(err, ErrBadInterval) {
		t.Fatalf("expected ErrBadInterval, got %v", err)
	}
	if err := (Policy{}).Validate(); err != nil {
		t.Fatalf("zero policy should be valid, got %v", err)
	}
	if k := (Policy{}).Kind(); k != PolicyNone {
		t.Fatalf("zero policy kind = %v", k)
	}
}
