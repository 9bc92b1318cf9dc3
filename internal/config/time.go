package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultRetentionInterval = 6 * time.Hour

var (
	retentionInterval          atomic.Value
	retentionIntervalListeners []chan time.Duration
	listenersMu                sync.Mutex
)

func init() {
	retentionInterval.Store(defaultRetentionInterval)
}

func refreshRetentionInterval() {
	cfg := GetConfig()
	setRetentionInterval(DurationOr(cfg.Retention.Interval, defaultRetentionInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

// Duration returns the exact duration of the timer, zero included.
func (t Timer) Duration() time.Duration {
	return time.Duration(CalculateMillisecondsOfCheckingPeriod(t)) * time.Millisecond
}

// DurationOr returns fallback for an unset timer.
func DurationOr(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetRetentionInterval() time.Duration {
	return retentionInterval.Load().(time.Duration)
}

func RetentionIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	retentionIntervalListeners = append(retentionIntervalListeners, ch)
	listenersMu.Unlock()

	ch <- GetRetentionInterval()
	return ch
}

func setRetentionInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	if GetRetentionInterval() == interval {
		return
	}
	retentionInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range retentionIntervalListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}
