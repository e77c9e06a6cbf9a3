package cron_test

import (
	"testing"
	"time"

	"github.com/basket/minder/internal/cron"
)

func TestValidate(t *testing.T) {
	valid := []string{"* * * * *", "*/5 * * * *", "0 9 * * 1-5", "30 6 1 * *"}
	for _, expr := range valid {
		if err := cron.Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", expr, err)
		}
	}

	invalid := []string{"", "not cron", "* * * *", "61 * * * *", "0 9 * * * *"}
	for _, expr := range invalid {
		if err := cron.Validate(expr); err == nil {
			t.Errorf("Validate(%q) = nil, want error", expr)
		}
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	next, err := cron.NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// Strictly after: asking from the boundary itself moves a full period.
	next, err = cron.NextRunTime("0 9 * * *", want)
	if err != nil {
		t.Fatalf("next run from boundary: %v", err)
	}
	if !next.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("next from boundary = %v, want %v", next, want.Add(24*time.Hour))
	}

	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("bogus expression must error")
	}
}
