package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := NewManual(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", clk.Now(), start)
	}
	clk.Advance(10 * time.Second)
	if want := start.Add(10 * time.Second); !clk.Now().Equal(want) {
		t.Fatalf("after Advance Now() = %v, want %v", clk.Now(), want)
	}
	clk.Set(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("after Set Now() = %v, want %v", clk.Now(), start)
	}
}
