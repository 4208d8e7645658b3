package clock

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := &RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClockSetAndAdvance(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	if !c.Now().Equal(base) {
		t.Errorf("Now() = %v, want %v", c.Now(), base)
	}

	c.Advance(90 * time.Minute)
	want := base.Add(90 * time.Minute)
	if !c.Now().Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", c.Now(), want)
	}

	newTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(newTime)
	if !c.Now().Equal(newTime) {
		t.Errorf("after Set, Now() = %v, want %v", c.Now(), newTime)
	}
}

func TestMockClockSinceUntil(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	past := base.Add(-time.Hour)
	if got := c.Since(past); got != time.Hour {
		t.Errorf("Since() = %v, want %v", got, time.Hour)
	}

	future := base.Add(30 * time.Minute)
	if got := c.Until(future); got != 30*time.Minute {
		t.Errorf("Until() = %v, want %v", got, 30*time.Minute)
	}
}
