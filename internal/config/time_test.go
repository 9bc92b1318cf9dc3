package config

import (
	"testing"
	"time"
)

func TestCalculateMillisecondsOfCheckingPeriod(t *testing.T) {
	timer := Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4}
	want := uint64((24*60*60 + 2*60*60 + 3*60 + 4) * 1000)

	if got := CalculateMillisecondsOfCheckingPeriod(timer); got != want {
		t.Fatalf("CalculateMillisecondsOfCheckingPeriod returned %d, want %d", got, want)
	}
}

func TestCalculateBetweenTime(t *testing.T) {
	t.Run("enforces minimum interval", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{}); got != time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1s", got)
		}
	})

	t.Run("returns configured duration", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{Minutes: 1, Seconds: 30}); got != 90*time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1m30s", got)
		}
	})
}

func TestDurationOr(t *testing.T) {
	if got := DurationOr(Timer{}, 15*time.Second); got != 15*time.Second {
		t.Fatalf("DurationOr for empty timer returned %s, want 15s", got)
	}
	if got := DurationOr(Timer{Minutes: 5}, time.Second); got != 5*time.Minute {
		t.Fatalf("DurationOr returned %s, want 5m", got)
	}
}

func TestRefreshRetentionInterval(t *testing.T) {
	origCfg := GetConfig()
	origInterval := GetRetentionInterval()
	origListeners := retentionIntervalListeners

	t.Cleanup(func() {
		configValue.Store(origCfg)
		retentionInterval.Store(origInterval)
		retentionIntervalListeners = origListeners
	})

	testCfg := Config{}
	testCfg.Retention.Interval = Timer{Hours: 2}
	configValue.Store(testCfg)
	retentionIntervalListeners = nil

	refreshRetentionInterval()

	if got := GetRetentionInterval(); got != 2*time.Hour {
		t.Fatalf("GetRetentionInterval returned %s, want 2h", got)
	}
}

func TestRetentionIntervalUpdates(t *testing.T) {
	origInterval := GetRetentionInterval()
	origListeners := retentionIntervalListeners

	t.Cleanup(func() {
		retentionInterval.Store(origInterval)
		retentionIntervalListeners = origListeners
	})

	retentionInterval.Store(time.Hour)
	retentionIntervalListeners = nil

	ch := RetentionIntervalUpdates()
	if first := <-ch; first != time.Hour {
		t.Fatalf("initial update = %s, want 1h", first)
	}

	setRetentionInterval(3 * time.Hour)

	select {
	case next := <-ch:
		if next != 3*time.Hour {
			t.Fatalf("next update = %s, want 3h", next)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interval update")
	}

	setRetentionInterval(3 * time.Hour)
	select {
	case <-ch:
		t.Fatal("unexpected update when interval unchanged")
	case <-time.After(50 * time.Millisecond):
	}
}
