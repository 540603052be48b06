package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestMatches(t *testing.T) {
	t.Parallel()

	// Wednesday.
	at := func(h, m, s, ns int) time.Time { return time.Date(2024, 5, 1, h, m, s, ns, time.UTC) }

	cases := []struct {
		name string
		expr string
		t    time.Time
		want bool
	}{
		{"five fields on the minute", "0 9 * * *", at(9, 0, 0, 0), true},
		{"five fields off the minute", "0 9 * * *", at(9, 0, 1, 0), false},
		{"five fields wrong hour", "0 9 * * *", at(10, 0, 0, 0), false},
		{"nanoseconds are stripped", "0 9 * * *", at(9, 0, 0, 999_999_999), true},
		{"six fields exact second", "30 15 9 * * *", at(9, 15, 30, 0), true},
		{"six fields other second", "30 15 9 * * *", at(9, 15, 31, 0), false},
		{"every second", "* * * * * *", at(13, 7, 42, 5), true},
		{"every minute", "* * * * *", at(13, 7, 0, 0), true},
		{"weekday name", "0 0 12 * * WED", at(12, 0, 0, 0), true},
		{"weekday mismatch", "0 0 12 * * THU", at(12, 0, 0, 0), false},
		{"step", "*/15 * * * *", at(4, 45, 0, 0), true},
		{"descriptor", "@hourly", at(4, 0, 0, 0), true},
		{"descriptor off", "@daily", at(4, 0, 0, 0), false},
	}
	m := NewMatcher()
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := m.Matches(tc.expr, tc.t)
			if err != nil {
				t.Fatalf("Matches(%q): %v", tc.expr, err)
			}
			if got != tc.want {
				t.Fatalf("Matches(%q, %s) = %v, want %v", tc.expr, tc.t, got, tc.want)
			}
		})
	}
}

func TestMatchesEveryMinuteTimestamps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		at   string
		want bool
	}{
		{"2020-04-12T22:10:00+02:00", true},
		{"2025-01-25T23:18:00.383550841+01:00", true},
		{"2020-04-12T22:10:01+02:00", false},
	}
	m := NewMatcher()
	for _, tc := range cases {
		tc := tc
		t.Run(tc.at, func(t *testing.T) {
			t.Parallel()
			at, err := time.Parse(time.RFC3339Nano, tc.at)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.at, err)
			}
			got, err := m.Matches("* * * * *", at)
			if err != nil {
				t.Fatalf("Matches: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Matches(\"* * * * *\", %s) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestMatchesUsesInstantLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	m := NewMatcher()
	local := time.Date(2024, 5, 1, 9, 0, 0, 0, loc)

	ok, err := m.Matches("0 9 * * *", local)
	if err != nil || !ok {
		t.Fatalf("local 09:00 should match: %v %v", ok, err)
	}
	ok, err = m.Matches("0 9 * * *", local.UTC())
	if err != nil || ok {
		t.Fatalf("same instant in UTC (02:00) should not match: %v %v", ok, err)
	}
}

func TestInvalidExpressions(t *testing.T) {
	t.Parallel()

	m := NewMatcher()
	for _, expr := range []string{
		"",
		"* * *",
		"* * * * * * *",
		"61 * * * *",
		"0 25 * * *",
		"0 0 32 * *",
		"nonsense",
		"@every 5m",
	} {
		if _, err := m.Matches(expr, time.Now()); !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("Matches(%q): got %v, want ErrInvalidExpression", expr, err)
		}
		if err := m.Validate(expr); !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("Validate(%q): got %v, want ErrInvalidExpression", expr, err)
		}
	}
}

func TestNext(t *testing.T) {
	t.Parallel()

	m := NewMatcher()
	from := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	got, err := m.Next("0 9 * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := from.Add(24 * time.Hour); !got.Equal(want) {
		t.Fatalf("Next: got %s, want %s", got, want)
	}
}
