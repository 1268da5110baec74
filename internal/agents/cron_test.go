package agents

import (
	"testing"
	"time"

	"github.com/codeck-dev/codeck/internal/errkind"
)

func TestParseSchedule(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"30 2 1 * *",
		"0 0 * * 0", // Sunday as 0
		"0 0 * * 7", // Sunday as 7
	}
	for _, expr := range valid {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{"", "not a cron", "* * * *", "61 * * * *"}
	for _, expr := range invalid {
		if _, err := ParseSchedule(expr); errkind.Of(err) != errkind.Validation {
			t.Errorf("ParseSchedule(%q) kind = %v, want Validation", expr, errkind.Of(err))
		}
	}
}

func TestSchedule_Next(t *testing.T) {
	s, err := ParseSchedule("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}

	ref := time.Date(2026, 8, 24, 10, 3, 0, 0, time.UTC)
	next, err := s.Next(ref)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", ref, next, want)
	}

	// Strictly after: asking from an exact firing minute skips to the next.
	next, err = s.Next(want)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("Next from firing minute = %v, want 10:30", next)
	}
}

func TestSchedule_Due(t *testing.T) {
	s, err := ParseSchedule("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Due(time.Date(2026, 8, 24, 9, 0, 30, 0, time.UTC)) {
		t.Error("09:00 not due for daily-at-9")
	}
	if s.Due(time.Date(2026, 8, 24, 9, 1, 0, 0, time.UTC)) {
		t.Error("09:01 reported due for daily-at-9")
	}
}
