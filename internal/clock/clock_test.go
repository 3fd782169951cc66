package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("elapsed = %v, want 90s", got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set did not rewind clock: %v", c.Now())
	}
}

func TestRealClockMoves(t *testing.T) {
	c := Real()
	a := c.Now()
	time.Sleep(time.Millisecond)
	if !c.Now().After(a) {
		t.Error("real clock did not advance")
	}
}
