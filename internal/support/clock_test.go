package support

import (
	"testing"
	"time"
)

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	clock.Advance(90 * time.Second)
	if got := clock.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now() = %s, want %s", got, start.Add(90*time.Second))
	}

	clock.Set(start)
	if got := clock.Now(); !got.Equal(start) {
		t.Fatalf("Now() after Set = %s, want %s", got, start)
	}
}

func TestClockOrSystem(t *testing.T) {
	if ClockOrSystem(nil) == nil {
		t.Fatal("ClockOrSystem(nil) returned nil")
	}
	manual := NewManualClock(time.Unix(0, 0))
	if ClockOrSystem(manual) != Clock(manual) {
		t.Fatal("ClockOrSystem did not return the provided clock")
	}
}
