package clock

import (
	"testing"
	"time"
)

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := Fake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("expected 90s elapsed, got %v", got)
	}

	later := start.Add(24 * time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("expected %v after Set, got %v", later, c.Now())
	}
}

func TestDay_UsesLocation(t *testing.T) {
	qatar := time.FixedZone("AST", 3*60*60)
	// 22:30 UTC is already the next day in Doha.
	ts := time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)

	if got := Day(ts, nil); got != "2026-03-01" {
		t.Errorf("UTC day: expected 2026-03-01, got %s", got)
	}
	if got := Day(ts, qatar); got != "2026-03-02" {
		t.Errorf("local day: expected 2026-03-02, got %s", got)
	}
}
